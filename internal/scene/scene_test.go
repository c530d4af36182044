package scene

import (
	"context"
	"testing"
	"time"

	"loreline/internal/domain"
	"loreline/internal/engine"
	"loreline/internal/repo/repotest"
	"loreline/internal/staging"
)

func TestResolveWorldSplitParty(t *testing.T) {
	r := repotest.NewSeededRepo(t)
	res := Resolver{Repo: r}
	ws, err := res.ResolveWorld(context.Background(), repotest.WorldID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ws.SplitParty || len(ws.Locations) != 2 {
		t.Fatalf("expected split party over two locations, got %+v", ws)
	}
	town, ok := ws.Scene("town")
	if !ok || !town.Found || town.Scene.ID != "scene-town" {
		t.Fatalf("expected scene-town, got %+v", town)
	}
	if len(town.PcIDs) != 2 {
		t.Fatalf("expected two pcs in town, got %v", town.PcIDs)
	}
	forest, _ := ws.Scene("forest")
	if forest.Scene.ID != "scene-forest" {
		t.Fatalf("cora has no key, expected scene-forest, got %s", forest.Scene.ID)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := repotest.NewSeededRepo(t)
	res := Resolver{Repo: r}
	ctx := context.Background()
	first, err := res.ResolveWorld(ctx, repotest.WorldID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := res.ResolveWorld(ctx, repotest.WorldID)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		for j, l := range again.Locations {
			if l.Scene.ID != first.Locations[j].Scene.ID {
				t.Fatalf("run %d resolved %s to %s, first run %s", i, l.LocationID, l.Scene.ID, first.Locations[j].Scene.ID)
			}
		}
	}
}

func TestFlagSetPrefersPCScope(t *testing.T) {
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	ctx := context.Background()
	res := Resolver{Repo: r}
	if err := eng.SetFlag(ctx, repotest.WorldID, "", "market_open", true, "dm"); err != nil {
		t.Fatalf("set world flag: %v", err)
	}
	ws, err := res.ResolveWorld(ctx, repotest.WorldID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if town, _ := ws.Scene("town"); town.Scene.ID != "scene-market" {
		t.Fatalf("world flag should open the market, got %s", town.Scene.ID)
	}
	for _, pc := range []string{"pc1", "pc2"} {
		if err := eng.SetFlag(ctx, repotest.WorldID, pc, "market_open", false, "dm"); err != nil {
			t.Fatalf("set pc flag: %v", err)
		}
	}
	ws, err = res.ResolveWorld(ctx, repotest.WorldID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if town, _ := ws.Scene("town"); town.Scene.ID != "scene-town" {
		t.Fatalf("pc scope should override world flag, got %s", town.Scene.ID)
	}
}

func TestCustomConditionAlwaysHolds(t *testing.T) {
	r := repotest.NewSeededRepo(t)
	ctx := context.Background()
	pc, err := r.GetPC(ctx, "pc1")
	if err != nil {
		t.Fatalf("get pc: %v", err)
	}
	scenes, err := r.ListScenes(ctx, "forest")
	if err != nil {
		t.Fatalf("list scenes: %v", err)
	}
	ls, err := Resolver{Repo: r}.ResolveLocation(ctx, "forest", scenes, []domain.PlayerCharacter{pc}, staging.Morning)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ls.Scene.ID != "scene-forest-secret" {
		t.Fatalf("key holder with custom condition should see the grove, got %s", ls.Scene.ID)
	}
}

func TestNoPCsResolvesNothing(t *testing.T) {
	r := repotest.NewRepo(t)
	ws, err := Resolver{Repo: r}.ResolveWorld(context.Background(), "empty")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ws.SplitParty || len(ws.Locations) != 0 {
		t.Fatalf("expected nothing, got %+v", ws)
	}
	ls, err := Resolver{Repo: r}.ResolveLocation(context.Background(), "town", []domain.Scene{{ID: "s"}}, nil, staging.Morning)
	if err != nil || ls.Found {
		t.Fatalf("expected no scene without pcs, got %+v %v", ls, err)
	}
}

func TestTimeContextFollowsGameClock(t *testing.T) {
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	ctx := context.Background()
	res := Resolver{Repo: r}
	ws, err := res.ResolveWorld(ctx, repotest.WorldID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if forest, _ := ws.Scene("forest"); forest.Scene.ID != "scene-forest" {
		t.Fatalf("owl hollow is a night scene, got %s in the morning", forest.Scene.ID)
	}
	if err := eng.SetGameTime(ctx, repotest.WorldID, time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC), "dm"); err != nil {
		t.Fatalf("set game time: %v", err)
	}
	ws, err = res.ResolveWorld(ctx, repotest.WorldID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if forest, _ := ws.Scene("forest"); forest.Scene.ID != "scene-forest-owls" {
		t.Fatalf("expected owl hollow at night, got %s", forest.Scene.ID)
	}
	if town, _ := ws.Scene("town"); town.Scene.ID != "scene-town" {
		t.Fatalf("scenes without a time context always match, got %s", town.Scene.ID)
	}
}

func TestTimeMatches(t *testing.T) {
	cases := []struct {
		context string
		tod     staging.TimeOfDay
		want    bool
	}{
		{"", staging.Night, true},
		{"any", staging.Morning, true},
		{"night", staging.Night, true},
		{"night", staging.Evening, false},
		{"during the harvest festival", staging.Afternoon, true},
	}
	for _, tc := range cases {
		if got := TimeMatches(tc.context, tc.tod); got != tc.want {
			t.Fatalf("TimeMatches(%q, %s) = %v, want %v", tc.context, tc.tod, got, tc.want)
		}
	}
}
