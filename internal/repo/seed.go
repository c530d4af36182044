package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"loreline/internal/domain"
)

// Seed is a complete world definition imported in one transaction.
type Seed struct {
	World       domain.World              `json:"world"`
	Locations   []domain.Location         `json:"locations"`
	Regions     []domain.Region           `json:"regions"`
	Connections []domain.RegionConnection `json:"connections"`
	NPCs        []domain.NPC              `json:"npcs"`
	Affinities  []domain.NpcRegionLink    `json:"affinities"`
	PCs         []domain.PlayerCharacter  `json:"player_characters"`
	Inventory   []domain.InventoryItem    `json:"inventory"`
	Scenes      []domain.Scene            `json:"scenes"`
	Challenges  []domain.Challenge        `json:"challenges"`
	Events      []domain.NarrativeEvent   `json:"narrative_events"`
}

// ParseSeed reads a YAML (or JSON) world file. Keys follow the JSON field names
// of the domain types.
func ParseSeed(data []byte) (Seed, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Seed{}, fmt.Errorf("invalid seed yaml: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Seed{}, fmt.Errorf("invalid seed yaml: %w", err)
	}
	var s Seed
	if err := json.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("invalid seed: %w", err)
	}
	return s, s.Validate()
}

func (s Seed) Validate() error {
	if s.World.ID == "" {
		return errors.New("seed world.id is required")
	}
	if s.World.GameTime != "" {
		if _, err := time.Parse(time.RFC3339, s.World.GameTime); err != nil {
			return fmt.Errorf("seed world.game_time: %w", err)
		}
	}
	for _, rg := range s.Regions {
		if rg.ID == "" || rg.LocationID == "" {
			return fmt.Errorf("seed region %q missing id or location_id", rg.Name)
		}
	}
	for _, pc := range s.PCs {
		if pc.ID == "" || pc.LocationID == "" {
			return fmt.Errorf("seed player character %q missing id or location_id", pc.Name)
		}
	}
	return nil
}

// ImportSeed writes every entity of the seed, filling world ids where omitted.
func (r Repo) ImportSeed(ctx context.Context, s Seed) error {
	if err := s.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	w := s.World
	if w.Name == "" {
		w.Name = w.ID
	}
	if w.GameTime == "" {
		w.GameTime = time.Date(1, 1, 1, 8, 0, 0, 0, time.UTC).Format(time.RFC3339)
	}
	if w.CreatedAt == "" {
		w.CreatedAt = now
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.InsertWorld(ctx, tx, w); err != nil {
		return fmt.Errorf("insert world: %w", err)
	}
	for _, l := range s.Locations {
		l.WorldID = w.ID
		if err := r.InsertLocation(ctx, tx, l); err != nil {
			return fmt.Errorf("insert location %s: %w", l.ID, err)
		}
	}
	for _, rg := range s.Regions {
		rg.WorldID = w.ID
		if err := r.InsertRegion(ctx, tx, rg); err != nil {
			return fmt.Errorf("insert region %s: %w", rg.ID, err)
		}
	}
	for _, c := range s.Connections {
		if err := r.InsertConnection(ctx, tx, c); err != nil {
			return fmt.Errorf("insert connection %s->%s: %w", c.FromRegionID, c.ToRegionID, err)
		}
	}
	for _, n := range s.NPCs {
		n.WorldID = w.ID
		if err := r.InsertNPC(ctx, tx, n); err != nil {
			return fmt.Errorf("insert npc %s: %w", n.ID, err)
		}
	}
	for _, l := range s.Affinities {
		if err := r.InsertNpcRegionLink(ctx, tx, l); err != nil {
			return fmt.Errorf("insert affinity %s/%s: %w", l.NpcID, l.RegionID, err)
		}
	}
	for _, pc := range s.PCs {
		pc.WorldID = w.ID
		if pc.UpdatedAt == "" {
			pc.UpdatedAt = now
		}
		if err := r.InsertPC(ctx, tx, pc); err != nil {
			return fmt.Errorf("insert pc %s: %w", pc.ID, err)
		}
	}
	for _, it := range s.Inventory {
		if err := r.SetItemQuantity(ctx, tx, it.PcID, it.ItemID, it.Name, it.Quantity); err != nil {
			return fmt.Errorf("insert item %s: %w", it.ItemID, err)
		}
	}
	for _, sc := range s.Scenes {
		sc.WorldID = w.ID
		if err := r.InsertScene(ctx, tx, sc); err != nil {
			return fmt.Errorf("insert scene %s: %w", sc.ID, err)
		}
	}
	for _, c := range s.Challenges {
		c.WorldID = w.ID
		if err := r.InsertChallenge(ctx, tx, c); err != nil {
			return fmt.Errorf("insert challenge %s: %w", c.ID, err)
		}
	}
	for _, e := range s.Events {
		e.WorldID = w.ID
		if e.Logic.Mode == "" {
			e.Logic.Mode = domain.LogicAll
		}
		if err := r.InsertNarrativeEvent(ctx, tx, e); err != nil {
			return fmt.Errorf("insert narrative event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}
