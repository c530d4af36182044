package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loreline/internal/engine"
	"loreline/internal/repo"
	"loreline/internal/repo/repotest"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func eventCount(t *testing.T, r repo.Repo, evtType string) int {
	t.Helper()
	evs, err := r.LatestEvents(context.Background(), 100, repo.EventFilter{WorldID: repotest.WorldID, Type: evtType})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return len(evs)
}

func TestMovePCWritesEvent(t *testing.T) {
	env := newTestEnv(t)
	pc, err := env.Engine.Repo.GetPC(env.Ctx, "pc1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.MovePC(env.Ctx, pc, "town", "tavern-bar", "u1"); err != nil {
		t.Fatalf("move: %v", err)
	}
	pc, _ = env.Engine.Repo.GetPC(env.Ctx, "pc1")
	if pc.RegionID == nil || *pc.RegionID != "tavern-bar" {
		t.Fatalf("region not updated: %+v", pc)
	}
	if n := eventCount(t, env.Engine.Repo, "pc.moved"); n != 1 {
		t.Fatalf("expected one pc.moved event, got %d", n)
	}
}

func TestAdjustItemRejectsOverdraw(t *testing.T) {
	env := newTestEnv(t)
	qty, err := env.Engine.AdjustItem(env.Ctx, repotest.WorldID, "pc1", "coin", "Coin", 5, "dm")
	if err != nil || qty != 5 {
		t.Fatalf("give: %d %v", qty, err)
	}
	_, err = env.Engine.AdjustItem(env.Ctx, repotest.WorldID, "pc1", "coin", "", -6, "dm")
	if !errors.Is(err, engine.ErrInsufficientItems) {
		t.Fatalf("expected insufficient items, got %v", err)
	}
	held, _ := env.Engine.Repo.ItemQuantity(env.Ctx, nil, "pc1", "coin")
	if held != 5 {
		t.Fatalf("failed take must not change inventory, have %d", held)
	}
	if n := eventCount(t, env.Engine.Repo, "item.taken"); n != 0 {
		t.Fatalf("rolled back mutation must not log an event, got %d", n)
	}
	qty, err = env.Engine.AdjustItem(env.Ctx, repotest.WorldID, "pc1", "coin", "", -5, "dm")
	if err != nil || qty != 0 {
		t.Fatalf("take all: %d %v", qty, err)
	}
}

func TestRelationshipAndStats(t *testing.T) {
	env := newTestEnv(t)
	if v, err := env.Engine.ModifyRelationship(env.Ctx, repotest.WorldID, "npc-guard", "pc1", -2, "dm"); err != nil || v != -2 {
		t.Fatalf("relationship: %d %v", v, err)
	}
	if v, _ := env.Engine.ModifyRelationship(env.Ctx, repotest.WorldID, "npc-guard", "pc1", 5, "dm"); v != 3 {
		t.Fatalf("relationship accumulate: %d", v)
	}
	if v, err := env.Engine.ModifyStat(env.Ctx, "pc1", "dexterity", 1, "dm"); err != nil || v != 4 {
		t.Fatalf("stat: %d %v", v, err)
	}
}

func TestGameTimeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	next := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	if err := env.Engine.SetGameTime(env.Ctx, repotest.WorldID, next, "dm"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GameTime(env.Ctx, repotest.WorldID)
	if err != nil || !got.Equal(next) {
		t.Fatalf("game time: %v %v", got, err)
	}
}
