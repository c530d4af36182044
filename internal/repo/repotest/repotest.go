// Package repotest builds migrated SQLite databases and a small sample world for tests.
package repotest

import (
	"context"
	"testing"

	"loreline/internal/db"
	"loreline/internal/domain"
	"loreline/internal/migrate"
	"loreline/internal/repo"
)

const WorldID = "w1"

// NewRepo opens a fresh migrated database in a temp workspace.
func NewRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

// NewSeededRepo opens a database and imports TavernSeed.
func NewSeededRepo(t *testing.T) repo.Repo {
	t.Helper()
	r := NewRepo(t)
	if err := r.ImportSeed(context.Background(), TavernSeed()); err != nil {
		t.Fatalf("import seed: %v", err)
	}
	return r
}

func ptr[T any](v T) *T { return &v }

// TavernSeed is a town with a tavern, a forest and a cave.
//
//	town:   town-square (spawn, default) <-> tavern-bar -> tavern-cellar (locked)
//	forest: forest-edge (spawn) <-> forest-deep
//	cave:   cave-mouth (no default, no spawn)
func TavernSeed() repo.Seed {
	crit := 20
	critFail := 1
	return repo.Seed{
		World: domain.World{ID: WorldID, Name: "Ashvale", GameTime: "2024-03-01T08:00:00Z"},
		Locations: []domain.Location{
			{ID: "town", Name: "Town", DefaultRegionID: ptr("town-square")},
			{ID: "forest", Name: "Forest"},
			{ID: "cave", Name: "Cave"},
		},
		Regions: []domain.Region{
			{ID: "town-square", LocationID: "town", Name: "Town Square", IsSpawnPoint: true},
			{ID: "tavern-bar", LocationID: "town", Name: "Tavern Bar", Order: 1},
			{ID: "tavern-cellar", LocationID: "town", Name: "Tavern Cellar", Order: 2},
			{ID: "forest-edge", LocationID: "forest", Name: "Forest Edge", IsSpawnPoint: true},
			{ID: "forest-deep", LocationID: "forest", Name: "Deep Forest", Order: 1},
			{ID: "cave-mouth", LocationID: "cave", Name: "Cave Mouth"},
		},
		Connections: []domain.RegionConnection{
			{FromRegionID: "town-square", ToRegionID: "tavern-bar", Bidirectional: true},
			{FromRegionID: "tavern-bar", ToRegionID: "tavern-cellar", IsLocked: true, LockDescription: "The cellar door is locked"},
			{FromRegionID: "forest-edge", ToRegionID: "forest-deep", Bidirectional: true},
		},
		NPCs: []domain.NPC{
			{ID: "npc-barkeep", Name: "Marta", Active: true},
			{ID: "npc-drunk", Name: "Old Pete", Active: true},
			{ID: "npc-guard", Name: "Sergeant Vell", Active: true},
			{ID: "npc-thief", Name: "Quick Lira", Active: true},
			{ID: "npc-hermit", Name: "The Hermit", Active: true},
		},
		Affinities: []domain.NpcRegionLink{
			{NpcID: "npc-barkeep", RegionID: "tavern-bar", Kind: domain.AffinityWorksAt, Shift: "day"},
			{NpcID: "npc-drunk", RegionID: "tavern-bar", Kind: domain.AffinityFrequents, Frequency: "always", TimeOfDay: "any"},
			{NpcID: "npc-thief", RegionID: "tavern-bar", Kind: domain.AffinityAvoids},
			{NpcID: "npc-guard", RegionID: "town-square", Kind: domain.AffinityWorksAt, Shift: "any"},
			{NpcID: "npc-hermit", RegionID: "forest-deep", Kind: domain.AffinityHome},
		},
		PCs: []domain.PlayerCharacter{
			{ID: "pc1", UserID: "u1", Name: "Ayla", LocationID: "town", RegionID: ptr("town-square"), Stats: map[string]int{"dexterity": 3}},
			{ID: "pc2", UserID: "u2", Name: "Bram", LocationID: "town", RegionID: ptr("town-square")},
			{ID: "pc3", UserID: "u3", Name: "Cora", LocationID: "forest", RegionID: ptr("forest-edge")},
		},
		Inventory: []domain.InventoryItem{
			{PcID: "pc1", ItemID: "cellar-key", Name: "Cellar Key", Quantity: 1},
		},
		Scenes: []domain.Scene{
			{ID: "scene-prologue", LocationID: "town", Name: "Prologue", Conditions: []domain.SceneCondition{
				{Kind: domain.ConditionCompletedScene, SceneID: "scene-never"},
			}},
			{ID: "scene-market", LocationID: "town", Name: "Market Day", Order: 1, Conditions: []domain.SceneCondition{
				{Kind: domain.ConditionFlagSet, Flag: "market_open"},
			}},
			{ID: "scene-town", LocationID: "town", Name: "Quiet Town", Order: 2},
			{ID: "scene-forest-secret", LocationID: "forest", Name: "Hidden Grove", Conditions: []domain.SceneCondition{
				{Kind: domain.ConditionHasItem, ItemID: "cellar-key"},
				{Kind: domain.ConditionCustom, Description: "the moon is full"},
			}},
			{ID: "scene-forest-owls", LocationID: "forest", Name: "Owl Hollow", Order: 1, TimeContext: "night"},
			{ID: "scene-forest", LocationID: "forest", Name: "Forest Path", Order: 2},
		},
		Challenges: []domain.Challenge{
			{
				ID: "ch-lockpick", Name: "Pick the cellar lock", SkillName: "dexterity", Dice: "1d20", Active: true,
				Difficulty: domain.Difficulty{Kind: domain.DifficultyDC, Value: 15},
				Outcomes: domain.ChallengeOutcomes{
					Success:         domain.Outcome{Description: "The lock clicks open.", Effects: []domain.Effect{{Kind: domain.EffectSetFlag, Flag: "cellar_open", WorldScope: true}}},
					Failure:         domain.Outcome{Description: "The pick snaps."},
					CriticalSuccess: &domain.Outcome{Description: "The door swings open silently."},
					CriticalFailure: &domain.Outcome{Description: "The barkeep hears you."},
				},
			},
			{
				ID: "ch-persuade", Name: "Talk down the guard", SkillName: "charisma", Active: true,
				Difficulty: domain.Difficulty{Kind: domain.DifficultyDescriptor, Descriptor: "moderate", Thresholds: &domain.Thresholds{
					FullSuccess: 10, PartialSuccess: 7, CriticalSuccess: &crit, CriticalFailure: &critFail,
				}},
				Outcomes: domain.ChallengeOutcomes{
					Success:         domain.Outcome{Description: "The guard waves you through."},
					Partial:         &domain.Outcome{Description: "The guard wants a bribe."},
					Failure:         domain.Outcome{Description: "The guard refuses."},
					CriticalSuccess: &domain.Outcome{Description: "The guard becomes your friend."},
					CriticalFailure: &domain.Outcome{Description: "The guard arrests you."},
				},
			},
		},
		Events: []domain.NarrativeEvent{
			{
				ID: "ev-welcome", Name: "Welcome to Ashvale", Active: true,
				Logic: domain.TriggerLogic{Mode: domain.LogicAll},
				Triggers: []domain.Trigger{
					{ID: "t1", Kind: domain.TriggerEntersLocation, LocationID: "town"},
					{ID: "t2", Kind: domain.TriggerFlagNotSet, Flag: "welcomed"},
				},
				Outcomes: []domain.EventOutcome{
					{Name: "greet", Description: "A herald greets you.", Effects: []domain.Effect{
						{Kind: domain.EffectSetFlag, Flag: "welcomed"},
						{Kind: domain.EffectGiveItem, ItemID: "coin", ItemName: "Coin", Quantity: 5},
					}},
					{Name: "ignore", Description: "Nobody notices you."},
				},
			},
		},
	}
}
