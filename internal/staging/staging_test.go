package staging

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"loreline/internal/domain"
	"loreline/internal/engine"
	"loreline/internal/llm"
	"loreline/internal/repo"
	"loreline/internal/repo/repotest"
)

var morning = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, repo.Repo, *llm.Scripted) {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	reasoner := llm.NewScripted()
	return &Service{Repo: r, Engine: eng, Reasoner: reasoner, DefaultTTLHours: 3, Seed: 42}, r, reasoner
}

func presentIDs(npcs []domain.StagedNpc) []string {
	var out []string
	for _, n := range npcs {
		if n.IsPresent {
			out = append(out, n.CharacterID)
		}
	}
	return out
}

func TestResolveIsIdempotentWithinTTL(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	first, err := s.ResolveForRegion(ctx, "tavern-bar", morning)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Source != domain.SourceRuleBased || first.ApprovedBy != SystemApprover || !first.IsActive {
		t.Fatalf("unexpected auto-approved entry: %+v", first)
	}
	second, err := s.ResolveForRegion(ctx, "tavern-bar", morning.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if second.ID != first.ID || !reflect.DeepEqual(second.Npcs, first.Npcs) {
		t.Fatalf("expected same entry, got %s vs %s", second.ID, first.ID)
	}
}

func TestConcurrentResolveSharesOneEntry(t *testing.T) {
	s, r, _ := newService(t)
	ctx := context.Background()
	const movers = 32
	ids := make([]string, movers)
	errs := make([]error, movers)
	var wg sync.WaitGroup
	for i := 0; i < movers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := s.ResolveForRegion(ctx, "tavern-bar", morning)
			ids[i], errs[i] = entry.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("movers saw different entries: %s vs %s", ids[i], ids[0])
		}
	}
	history, err := r.StagingHistory(ctx, "tavern-bar", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one persisted entry, got %d", len(history))
	}
}

func TestResolveRegeneratesOnlyAfterExpiry(t *testing.T) {
	s, r, _ := newService(t)
	ctx := context.Background()
	entry, err := s.Approve(ctx, ApproveRequest{
		RegionID: "tavern-bar", TTLHours: 2, ApprovedBy: "dm",
		Npcs:     []domain.StagedNpc{{CharacterID: "npc-barkeep", IsPresent: true}},
		GameTime: morning,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	before, err := s.ResolveForRegion(ctx, "tavern-bar", morning.Add(2*time.Hour-time.Minute))
	if err != nil || before.ID != entry.ID {
		t.Fatalf("entry should still be active before expiry: %+v %v", before, err)
	}
	after, err := s.ResolveForRegion(ctx, "tavern-bar", morning.Add(2*time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if after.ID == entry.ID || after.Source != domain.SourceRuleBased {
		t.Fatalf("expected regenerated entry, got %+v", after)
	}
	hist, err := r.StagingHistory(ctx, "tavern-bar", 10)
	if err != nil || len(hist) != 2 || hist[1].ID != entry.ID || hist[1].IsActive {
		t.Fatalf("history should keep superseded entry: %+v %v", hist, err)
	}
}

func TestRegenerateDoesNotMutate(t *testing.T) {
	s, _, reasoner := newService(t)
	ctx := context.Background()
	active, err := s.ResolveForRegion(ctx, "tavern-bar", morning)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	reasoner.Script(llm.PurposeStaging, `Sure! [{"name":"Marta","reason":"Opening the bar"},{"name":"Nobody","reason":"?"}]`)
	sug, err := s.Regenerate(ctx, SuggestRequest{RegionID: "tavern-bar", GameTime: morning, Guidance: "keep it quiet"})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(sug) != 1 || sug[0].CharacterID != "npc-barkeep" || sug[0].Reasoning != "Opening the bar" {
		t.Fatalf("unexpected suggestions: %+v", sug)
	}
	again, err := s.ResolveForRegion(ctx, "tavern-bar", morning)
	if err != nil || again.ID != active.ID {
		t.Fatalf("regenerate must not change the active entry: %+v %v", again, err)
	}
	calls := reasoner.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Prompt, "keep it quiet") || !strings.Contains(calls[0].Prompt, "morning") {
		t.Fatalf("prompt missing context: %+v", calls)
	}
}

func TestRulePassRespectsAffinities(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	npcs, err := s.RuleSuggestions(ctx, "tavern-bar", morning)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	byID := map[string]domain.StagedNpc{}
	for _, n := range npcs {
		byID[n.CharacterID] = n
	}
	if _, ok := byID["npc-thief"]; ok {
		t.Fatalf("avoiding npc must not be a candidate: %+v", npcs)
	}
	if !byID["npc-drunk"].IsPresent {
		t.Fatalf("an always-frequenting npc is present: %+v", byID["npc-drunk"])
	}
	if byID["npc-barkeep"].Reasoning != "Works here (day shift)" {
		t.Fatalf("reasoning: %q", byID["npc-barkeep"].Reasoning)
	}
	again, _ := s.RuleSuggestions(ctx, "tavern-bar", morning)
	if !reflect.DeepEqual(npcs, again) {
		t.Fatalf("rule pass must be reproducible")
	}
	night, _ := s.RuleSuggestions(ctx, "tavern-bar", time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC))
	for _, n := range night {
		if n.CharacterID == "npc-barkeep" && n.IsPresent {
			t.Fatalf("day-shift worker present at night")
		}
	}
}

func TestApproveValidatesAndFillsNames(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	if _, err := s.Approve(ctx, ApproveRequest{RegionID: "tavern-bar", Npcs: []domain.StagedNpc{{CharacterID: "ghost", IsPresent: true}}, GameTime: morning}); !errors.Is(err, ErrUnknownNPC) {
		t.Fatalf("expected ErrUnknownNPC, got %v", err)
	}
	if _, err := s.Approve(ctx, ApproveRequest{RegionID: "nowhere", GameTime: morning}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	entry, err := s.PreStage(ctx, ApproveRequest{
		RegionID: "tavern-cellar", ApprovedBy: "dm", GameTime: morning,
		Npcs: []domain.StagedNpc{{CharacterID: "npc-thief", IsPresent: true, IsHiddenFromPlayers: true}, {CharacterID: "npc-drunk", IsPresent: true}},
	})
	if err != nil {
		t.Fatalf("prestage: %v", err)
	}
	if entry.Source != domain.SourcePreStaged || entry.TTLHours != 3 || entry.LocationID != "town" {
		t.Fatalf("prestaged entry: %+v", entry)
	}
	if got := presentIDs(entry.VisibleNpcs(false)); !reflect.DeepEqual(got, []string{"npc-drunk"}) {
		t.Fatalf("hidden npc leaked to players: %v", got)
	}
	if got := entry.VisibleNpcs(true); len(got) != 2 || got[0].Name != "Quick Lira" {
		t.Fatalf("dm view: %+v", got)
	}
}

func TestParseSuggestions(t *testing.T) {
	cands := []domain.StagedNpc{{CharacterID: "a", Name: "Ann"}, {CharacterID: "b", Name: "Bo"}}
	if got := parseSuggestions("no json here", cands); got != nil {
		t.Fatalf("expected nil for unparseable reply")
	}
	if got := parseSuggestions(`[{"name": 3}]`, cands); got != nil {
		t.Fatalf("expected nil for malformed array")
	}
	got := parseSuggestions(`[{"name":"ann","reason":""},{"name":"Ann"},{"name":"Zed","reason":"x"},{"name":"Bo","reason":"here"}]`, cands)
	if len(got) != 2 || got[0].CharacterID != "a" || got[1].Reasoning != "here" {
		t.Fatalf("unexpected parse: %+v", got)
	}
}

func TestPendingSet(t *testing.T) {
	p := NewPendingSet()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	build := func() PendingRequest { return PendingRequest{LocationID: "town"} }
	a, created := p.Open("w1", "tavern-bar", "pc1", now, 30*time.Second, build)
	if !created {
		t.Fatalf("expected new request")
	}
	b, created := p.Open("w1", "tavern-bar", "pc2", now.Add(time.Second), 30*time.Second, build)
	if created || b.ID != a.ID || len(b.WaitingPcs) != 2 {
		t.Fatalf("second PC should join request: %+v", b)
	}
	if !p.SetLLMBased(a.ID, []domain.StagedNpc{{CharacterID: "npc-mira"}}) {
		t.Fatalf("expected request to accept model suggestions")
	}
	if got, _ := p.Get(a.ID); len(got.LLMBased) != 1 {
		t.Fatalf("model suggestions not stored: %+v", got)
	}
	if expired := p.Expired(now.Add(29 * time.Second)); len(expired) != 0 {
		t.Fatalf("nothing should expire yet")
	}
	expired := p.Expired(now.Add(30 * time.Second))
	if len(expired) != 1 || expired[0].ID != a.ID {
		t.Fatalf("expected request to expire: %+v", expired)
	}
	if _, ok := p.TakeRegion("tavern-bar"); ok {
		t.Fatalf("expired request should be gone")
	}
}

func TestTimeOfDayBuckets(t *testing.T) {
	cases := map[int]TimeOfDay{0: Night, 5: Night, 6: Morning, 11: Morning, 12: Afternoon, 17: Afternoon, 18: Evening, 21: Evening, 22: Night}
	for h, want := range cases {
		if got := TimeOfDayAt(time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC)); got != want {
			t.Fatalf("hour %d: got %s want %s", h, got, want)
		}
	}
}
