// Package engine applies world-state mutations. Every mutation runs in its own
// transaction and appends an event to the world log.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loreline/internal/domain"
	"loreline/internal/events"
	"loreline/internal/repo"
)

var ErrInsufficientItems = errors.New("insufficient items")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

type mutation struct {
	evtType    string
	worldID    string
	entityKind string
	entityID   string
	actorID    string
	payload    events.EventPayload
}

func (e Engine) apply(ctx context.Context, m mutation, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	ew := e.Events
	if ew.Now == nil {
		ew.Now = e.now
	}
	if err := ew.Append(ctx, tx, m.evtType, m.worldID, m.entityKind, m.entityID, m.actorID, m.payload); err != nil {
		return err
	}
	return tx.Commit()
}

// MovePC sets a PC's location and region.
func (e Engine) MovePC(ctx context.Context, pc domain.PlayerCharacter, locationID, regionID, actorID string) error {
	from := ""
	if pc.RegionID != nil {
		from = *pc.RegionID
	}
	return e.apply(ctx, mutation{"pc.moved", pc.WorldID, "pc", pc.ID, actorID, events.EventPayload{
		"from_location": pc.LocationID, "from_region": from, "to_location": locationID, "to_region": regionID,
	}}, func(tx *sql.Tx) error {
		return e.Repo.UpdatePCPosition(ctx, tx, pc.ID, locationID, regionID, e.stamp())
	})
}

// SetFlag writes a flag; pcID "" targets world scope.
func (e Engine) SetFlag(ctx context.Context, worldID, pcID, name string, value bool, actorID string) error {
	if name == "" {
		return errors.New("flag name is required")
	}
	kind, id := "world", worldID
	if pcID != "" {
		kind, id = "pc", pcID
	}
	return e.apply(ctx, mutation{"flag.set", worldID, kind, id, actorID, events.EventPayload{"flag": name, "value": value}},
		func(tx *sql.Tx) error { return e.Repo.SetFlag(ctx, tx, worldID, pcID, name, value) })
}

// AdjustItem adds delta of an item to a PC's inventory. Taking more than held
// fails with ErrInsufficientItems and changes nothing.
func (e Engine) AdjustItem(ctx context.Context, worldID, pcID, itemID, name string, delta int, actorID string) (int, error) {
	if itemID == "" {
		return 0, errors.New("item id is required")
	}
	var qty int
	evt := "item.given"
	if delta < 0 {
		evt = "item.taken"
	}
	err := e.apply(ctx, mutation{evt, worldID, "pc", pcID, actorID, events.EventPayload{"item_id": itemID, "delta": delta}}, func(tx *sql.Tx) error {
		cur, err := e.Repo.ItemQuantity(ctx, tx, pcID, itemID)
		if err != nil {
			return err
		}
		qty = cur + delta
		if qty < 0 {
			return fmt.Errorf("%w: %s has %d %s", ErrInsufficientItems, pcID, cur, itemID)
		}
		return e.Repo.SetItemQuantity(ctx, tx, pcID, itemID, name, qty)
	})
	return qty, err
}

func (e Engine) ModifyRelationship(ctx context.Context, worldID, fromID, toID string, delta int, actorID string) (int, error) {
	var sentiment int
	err := e.apply(ctx, mutation{"relationship.modified", worldID, "character", fromID, actorID, events.EventPayload{"to": toID, "delta": delta}}, func(tx *sql.Tx) error {
		cur, err := e.Repo.Relationship(ctx, tx, worldID, fromID, toID)
		if err != nil {
			return err
		}
		sentiment = cur + delta
		return e.Repo.SetRelationship(ctx, tx, worldID, fromID, toID, sentiment)
	})
	return sentiment, err
}

func (e Engine) ModifyStat(ctx context.Context, pcID, stat string, delta int, actorID string) (int, error) {
	if stat == "" {
		return 0, errors.New("stat is required")
	}
	pc, err := e.Repo.GetPC(ctx, pcID)
	if err != nil {
		return 0, err
	}
	if pc.Stats == nil {
		pc.Stats = map[string]int{}
	}
	pc.Stats[stat] += delta
	err = e.apply(ctx, mutation{"pc.stat.modified", pc.WorldID, "pc", pc.ID, actorID, events.EventPayload{"stat": stat, "delta": delta}},
		func(tx *sql.Tx) error { return e.Repo.UpdatePCStats(ctx, tx, pc.ID, pc.Stats, e.stamp()) })
	return pc.Stats[stat], err
}

func (e Engine) RevealCharacter(ctx context.Context, worldID, pcID, characterID, actorID string) error {
	return e.apply(ctx, mutation{"character.revealed", worldID, "pc", pcID, actorID, events.EventPayload{"character_id": characterID}},
		func(tx *sql.Tx) error { return e.Repo.AddKnownCharacter(ctx, tx, pcID, characterID) })
}

func (e Engine) CompleteScene(ctx context.Context, worldID, pcID, sceneID, actorID string) error {
	return e.apply(ctx, mutation{"scene.completed", worldID, "pc", pcID, actorID, events.EventPayload{"scene_id": sceneID}},
		func(tx *sql.Tx) error { return e.Repo.MarkSceneCompleted(ctx, tx, pcID, sceneID, e.stamp()) })
}

func (e Engine) SetChallengeActive(ctx context.Context, worldID, challengeID string, active bool, actorID string) error {
	return e.apply(ctx, mutation{"challenge.toggled", worldID, "challenge", challengeID, actorID, events.EventPayload{"active": active}},
		func(tx *sql.Tx) error { return e.Repo.SetChallengeActive(ctx, tx, challengeID, active) })
}

func (e Engine) SetEventActive(ctx context.Context, worldID, eventID string, active bool, actorID string) error {
	return e.apply(ctx, mutation{"narrative.toggled", worldID, "narrative_event", eventID, actorID, events.EventPayload{"active": active}},
		func(tx *sql.Tx) error { return e.Repo.SetEventActive(ctx, tx, eventID, active) })
}

func (e Engine) RecordChallengeResult(ctx context.Context, worldID, pcID, challengeID, outcome string, success bool, actorID string) error {
	return e.apply(ctx, mutation{"challenge.resolved", worldID, "challenge", challengeID, actorID, events.EventPayload{"pc_id": pcID, "outcome": outcome, "success": success}},
		func(tx *sql.Tx) error {
			return e.Repo.RecordChallengeResult(ctx, tx, pcID, challengeID, outcome, success, e.stamp())
		})
}

func (e Engine) MarkEventTriggered(ctx context.Context, worldID, eventID, outcome, actorID string) error {
	return e.apply(ctx, mutation{"narrative.triggered", worldID, "narrative_event", eventID, actorID, events.EventPayload{"outcome": outcome}},
		func(tx *sql.Tx) error { return e.Repo.MarkEventTriggered(ctx, tx, eventID, outcome) })
}

// SetGameTime persists the world's in-game clock.
func (e Engine) SetGameTime(ctx context.Context, worldID string, t time.Time, actorID string) error {
	return e.apply(ctx, mutation{"time.set", worldID, "world", worldID, actorID, events.EventPayload{"game_time": t.UTC().Format(time.RFC3339)}},
		func(tx *sql.Tx) error { return e.Repo.SetGameTime(ctx, tx, worldID, t) })
}

// SaveStaging persists a newly approved staging entry, superseding the region's previous one.
func (e Engine) SaveStaging(ctx context.Context, s domain.StagingEntry) error {
	if s.CreatedAt == "" {
		s.CreatedAt = e.now().UTC().Format(time.RFC3339Nano)
	}
	return e.apply(ctx, mutation{"staging.approved", s.WorldID, "region", s.RegionID, s.ApprovedBy, events.EventPayload{
		"staging_id": s.ID, "source": string(s.Source), "ttl_hours": s.TTLHours, "npcs": len(s.Npcs),
	}}, func(tx *sql.Tx) error { return e.Repo.SaveStaging(ctx, tx, s) })
}
