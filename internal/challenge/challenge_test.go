package challenge

import (
	"context"
	"errors"
	"testing"
	"time"

	"loreline/internal/domain"
	"loreline/internal/effects"
	"loreline/internal/engine"
	"loreline/internal/protocol"
	"loreline/internal/repo"
	"loreline/internal/repo/repotest"
	"loreline/internal/worldstate"
)

func intp(v int) *int { return &v }

func TestClassifyBoundaries(t *testing.T) {
	dc15 := domain.Difficulty{Kind: domain.DifficultyDC, Value: 15}
	dcBands := domain.Difficulty{Kind: domain.DifficultyDC, Value: 15, Thresholds: &domain.Thresholds{CriticalSuccess: intp(25), CriticalFailure: intp(5)}}
	pct := domain.Difficulty{Kind: domain.DifficultyPercentage, Value: 40}
	pbta := domain.Difficulty{Kind: domain.DifficultyDescriptor, Descriptor: "moderate"}
	pbtaCrit := domain.Difficulty{Kind: domain.DifficultyDescriptor, Thresholds: &domain.Thresholds{
		FullSuccess: 10, PartialSuccess: 7, CriticalSuccess: intp(12), CriticalFailure: intp(2),
	}}
	opposed := domain.Difficulty{Kind: domain.DifficultyOpposed, Value: 12}
	custom := domain.Difficulty{Kind: domain.DifficultyCustom, Notes: "DM decides"}

	crits := domain.ChallengeOutcomes{
		Success:         domain.Outcome{Description: "ok"},
		Failure:         domain.Outcome{Description: "no"},
		CriticalSuccess: &domain.Outcome{Description: "great"},
		CriticalFailure: &domain.Outcome{Description: "awful"},
	}
	plain := domain.ChallengeOutcomes{Success: domain.Outcome{Description: "ok"}, Failure: domain.Outcome{Description: "no"}}

	cases := []struct {
		name string
		d    domain.Difficulty
		o    domain.ChallengeOutcomes
		r    Roll
		want OutcomeType
	}{
		{"dc just below", dc15, crits, Roll{Natural: 11, Modifier: 3, Sides: 20}, Failure},
		{"dc exact", dc15, crits, Roll{Natural: 12, Modifier: 3, Sides: 20}, Success},
		{"dc above", dc15, crits, Roll{Natural: 19, Modifier: 3, Sides: 20}, Success},
		{"dc natural 20", dc15, crits, Roll{Natural: 20, Modifier: -10, Sides: 20}, CriticalSuccess},
		{"dc natural 1", dc15, crits, Roll{Natural: 1, Modifier: 20, Sides: 20}, CriticalFailure},
		{"dc 20 without die size", dc15, crits, Roll{Natural: 20, Modifier: -10}, Failure},
		{"dc natural 20 without crit outcome", dc15, plain, Roll{Natural: 20, Modifier: -10, Sides: 20}, Failure},
		{"dc natural 1 without crit outcome", dc15, plain, Roll{Natural: 1, Modifier: 15, Sides: 20}, Success},
		{"dc band crit exact", dcBands, crits, Roll{Natural: 20, Modifier: 5}, CriticalSuccess},
		{"dc band crit without outcome", dcBands, plain, Roll{Natural: 20, Modifier: 5}, Success},
		{"dc band below crit", dcBands, crits, Roll{Natural: 19, Modifier: 5}, Success},
		{"dc band fumble exact", dcBands, crits, Roll{Natural: 4, Modifier: 1}, CriticalFailure},
		{"dc band above fumble", dcBands, crits, Roll{Natural: 5, Modifier: 1}, Failure},
		{"pct exact", pct, crits, Roll{Natural: 40}, Success},
		{"pct above", pct, crits, Roll{Natural: 41}, Failure},
		{"pct ignores modifier", pct, crits, Roll{Natural: 45, Modifier: 5}, Failure},
		{"pct natural counts", pct, crits, Roll{Natural: 35, Modifier: -20}, Success},
		{"pct 1", pct, crits, Roll{Natural: 1}, CriticalSuccess},
		{"pct 1 without crit outcome", pct, plain, Roll{Natural: 1}, Success},
		{"pct 100", pct, crits, Roll{Natural: 100, Modifier: 90}, CriticalFailure},
		{"pct 100 without crit outcome", pct, plain, Roll{Natural: 100}, Failure},
		{"pbta 6", pbta, crits, Roll{Natural: 6}, Failure},
		{"pbta 7", pbta, crits, Roll{Natural: 5, Modifier: 2}, Partial},
		{"pbta 9", pbta, crits, Roll{Natural: 9}, Partial},
		{"pbta 10", pbta, crits, Roll{Natural: 8, Modifier: 2}, Success},
		{"pbta crit 12", pbtaCrit, crits, Roll{Natural: 12}, CriticalSuccess},
		{"pbta 12 without crit outcome", pbtaCrit, plain, Roll{Natural: 12}, Success},
		{"pbta 11", pbtaCrit, crits, Roll{Natural: 11}, Success},
		{"pbta fumble 2", pbtaCrit, crits, Roll{Natural: 2}, CriticalFailure},
		{"pbta 2 without crit outcome", pbtaCrit, plain, Roll{Natural: 2}, Failure},
		{"pbta 3", pbtaCrit, crits, Roll{Natural: 3}, Failure},
		{"opposed tie", opposed, crits, Roll{Natural: 10, Modifier: 2}, Success},
		{"opposed lower", opposed, crits, Roll{Natural: 11}, Failure},
		{"custom", custom, crits, Roll{Natural: 1}, Success},
	}
	for _, tc := range cases {
		if got := Classify(tc.d, tc.o, tc.r); got != tc.want {
			t.Fatalf("%s: total %d got %s want %s", tc.name, tc.r.Total(), got, tc.want)
		}
		if again := Classify(tc.d, tc.o, tc.r); again != tc.want {
			t.Fatalf("%s: classification changed between calls", tc.name)
		}
	}
}

func TestSelectOutcomeFallbacks(t *testing.T) {
	o := domain.ChallengeOutcomes{Success: domain.Outcome{Description: "win"}, Failure: domain.Outcome{Description: "lose"}}
	for kind, want := range map[OutcomeType]string{
		CriticalSuccess: "win", Partial: "win", Success: "win", Failure: "lose", CriticalFailure: "lose",
	} {
		if _, got := SelectOutcome(o, kind); got.Description != want {
			t.Fatalf("%s: got %q want %q", kind, got.Description, want)
		}
	}
	if kind, _ := SelectOutcome(o, CriticalFailure); kind != Failure {
		t.Fatalf("missing crit outcome should report failure, got %s", kind)
	}
}

func TestParseDice(t *testing.T) {
	for formula, want := range map[string]Dice{
		"1d20":   {1, 20, 0},
		"d6":     {1, 6, 0},
		"2d6+1":  {2, 6, 1},
		"3D8-2":  {3, 8, -2},
		" 1d100": {1, 100, 0},
	} {
		got, err := ParseDice(formula)
		if err != nil || got != want {
			t.Fatalf("%q: got %+v %v", formula, got, err)
		}
	}
	for _, bad := range []string{"", "d", "0d6", "1d1", "2x6", "1d6+", "101d6"} {
		if _, err := ParseDice(bad); !errors.Is(err, ErrBadFormula) {
			t.Fatalf("%q: expected ErrBadFormula, got %v", bad, err)
		}
	}
	if s := (Dice{2, 6, -1}).String(); s != "2d6-1" {
		t.Fatalf("string: %s", s)
	}
}

type fixedRoller []int

func (f *fixedRoller) Roll(int) int {
	v := (*f)[0]
	*f = (*f)[1:]
	return v
}

type fixture struct {
	svc   *Service
	repo  repo.Repo
	state *worldstate.State
	now   time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	states := worldstate.NewManager(20)
	st, _ := states.Ensure(repotest.WorldID, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := &Service{
		Repo: r, Engine: eng, Effects: effects.Executor{Engine: eng}, States: states,
		ApprovalTimeout: 10 * time.Minute, Now: func() time.Time { return now },
	}
	return fixture{svc: svc, repo: r, state: st, now: now}
}

func TestRollGoesToApprovalThenAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Start(ctx, "ch-lockpick", "pc1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Modifier != 3 || res.Dice != "1d20" {
		t.Fatalf("unexpected resolution %+v", res)
	}
	rr, err := f.svc.SubmitRoll(ctx, res.ID, RollInput{Roll: intp(12)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rr.Total != 15 || rr.Outcome != Success || rr.Description != "The lock clicks open." {
		t.Fatalf("unexpected roll result %+v", rr)
	}
	a, ok := f.state.Approval(rr.ApprovalID)
	if !ok || a.Kind != worldstate.ApprovalChallenge || !a.ExpiresAt.Equal(f.now.Add(10*time.Minute)) {
		t.Fatalf("approval not parked: %+v", a)
	}
	if v, found, _ := f.repo.Flag(ctx, repotest.WorldID, "", "cellar_open"); found || v {
		t.Fatalf("effects must wait for approval")
	}
	if _, err := f.svc.SubmitRoll(ctx, res.ID, RollInput{Roll: intp(12)}); !errors.Is(err, ErrResolutionNotFound) {
		t.Fatalf("second roll should fail, got %v", err)
	}

	done, err := f.svc.Accept(ctx, repotest.WorldID, rr.ApprovalID, "dm")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if done.Description != "The lock clicks open." || done.Report.Applied != 1 {
		t.Fatalf("unexpected resolution %+v", done)
	}
	if v, _, _ := f.repo.Flag(ctx, repotest.WorldID, "", "cellar_open"); !v {
		t.Fatalf("success effect not applied")
	}
	results, _ := f.repo.ChallengeResults(ctx, "pc1")
	if !results["ch-lockpick"] {
		t.Fatalf("challenge result not recorded: %v", results)
	}
	if _, err := f.svc.Accept(ctx, repotest.WorldID, rr.ApprovalID, "dm"); !errors.Is(err, worldstate.ErrApprovalNotFound) {
		t.Fatalf("double accept should fail, got %v", err)
	}
}

func TestEditAndSelectBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roller := fixedRoller{20}
	f.svc.Roller = &roller

	res, _ := f.svc.Start(ctx, "ch-lockpick", "pc1")
	rr, err := f.svc.SubmitRoll(ctx, res.ID, RollInput{Formula: "1d20"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rr.Outcome != CriticalSuccess || rr.Natural != 20 || len(rr.Rolls) != 1 {
		t.Fatalf("expected natural 20 crit, got %+v", rr)
	}
	done, err := f.svc.Edit(ctx, repotest.WorldID, rr.ApprovalID, "The door was never locked.", "dm")
	if err != nil || done.Description != "The door was never locked." {
		t.Fatalf("edit: %+v %v", done, err)
	}

	res, _ = f.svc.Start(ctx, "ch-persuade", "pc2")
	rr, err = f.svc.SubmitRoll(ctx, res.ID, RollInput{Roll: intp(8)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rr.Outcome != Partial {
		t.Fatalf("expected partial, got %s", rr.Outcome)
	}
	if err := f.state.UpdateApproval(rr.ApprovalID, func(a *worldstate.PendingApproval) {
		a.Branches = []protocol.Branch{{ID: "b1", Title: "Bribe", Description: "A coin changes hands."}}
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.svc.SelectBranch(ctx, repotest.WorldID, rr.ApprovalID, "b9", "", "dm"); !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
	done, err = f.svc.SelectBranch(ctx, repotest.WorldID, rr.ApprovalID, "b1", "", "dm")
	if err != nil || done.Description != "A coin changes hands." {
		t.Fatalf("select: %+v %v", done, err)
	}
}

func TestStartAndRollValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "nope", "pc1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.svc.Engine.SetChallengeActive(ctx, repotest.WorldID, "ch-lockpick", false, "dm"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := f.svc.Start(ctx, "ch-lockpick", "pc1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	res, _ := f.svc.Start(ctx, "ch-persuade", "pc1")
	if _, err := f.svc.SubmitRoll(ctx, res.ID, RollInput{}); !errors.Is(err, ErrRollRequired) {
		t.Fatalf("expected ErrRollRequired, got %v", err)
	}
	if _, err := f.svc.SubmitRoll(ctx, res.ID, RollInput{Roll: intp(13)}); !errors.Is(err, ErrRollOutOfRange) {
		t.Fatalf("2d6 cannot roll 13, got %v", err)
	}
	if _, ok := f.svc.Open(res.ID); !ok {
		t.Fatalf("invalid rolls must keep the resolution open")
	}
	if n := f.svc.Abandon("pc1"); n != 1 {
		t.Fatalf("expected one abandoned resolution, got %d", n)
	}
}

func TestRejectAppliesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.svc.Start(ctx, "ch-lockpick", "pc1")
	rr, _ := f.svc.SubmitRoll(ctx, res.ID, RollInput{Roll: intp(15)})
	done, err := f.svc.Reject(repotest.WorldID, rr.ApprovalID)
	if err != nil || !done.Rejected {
		t.Fatalf("reject: %+v %v", done, err)
	}
	if v, _, _ := f.repo.Flag(ctx, repotest.WorldID, "", "cellar_open"); v {
		t.Fatalf("rejected outcome applied effects")
	}
}
