package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loreline/internal/challenge"
	"loreline/internal/config"
	"loreline/internal/domain"
	"loreline/internal/effects"
	"loreline/internal/engine"
	"loreline/internal/fault"
	"loreline/internal/llm"
	"loreline/internal/movement"
	"loreline/internal/narrative"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/repo/repotest"
	"loreline/internal/scene"
	"loreline/internal/session"
	"loreline/internal/staging"
	"loreline/internal/worldstate"
)

var gameNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type sent struct {
	to  string
	env protocol.Envelope
}

// outbox records deliveries. unreachable makes every DM send fail while the
// DM still counts as connected.
type outbox struct {
	mu          sync.Mutex
	dm          bool
	unreachable bool
	sent        []sent
}

func (o *outbox) record(to string, env protocol.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sent{to: to, env: env})
}

func (o *outbox) Broadcast(worldID string, env protocol.Envelope) int {
	o.record("all", env)
	return 1
}

func (o *outbox) SendToDM(worldID string, env protocol.Envelope) error {
	if !o.dm || o.unreachable {
		return session.ErrDMNotConnected
	}
	o.record("dm", env)
	return nil
}

func (o *outbox) SendToPlayer(worldID, pcID string, env protocol.Envelope) error {
	o.record("pc:"+pcID, env)
	return nil
}

func (o *outbox) HasDM(worldID string) bool { return o.dm }

// to returns the messages of msgType delivered to a recipient.
func (o *outbox) to(recipient, msgType string) []protocol.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []protocol.Envelope
	for _, s := range o.sent {
		if s.to == recipient && s.env.Type == msgType {
			out = append(out, s.env)
		}
	}
	return out
}

type fixture struct {
	p     *Pipeline
	repo  repo.Repo
	state *worldstate.State
	out   *outbox
	llm   *llm.Scripted
	now   time.Time
}

func newFixture(t *testing.T, dm bool) *fixture {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	states := worldstate.NewManager(20)
	st, _ := states.Ensure(repotest.WorldID, gameNow)
	f := &fixture{repo: r, state: st, out: &outbox{dm: dm}, llm: llm.NewScripted(), now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	cfg := *config.Default()
	cfg.Queues.Backend = "memory"
	fx := effects.Executor{Engine: eng}
	stg := &staging.Service{Repo: r, Engine: eng, Reasoner: f.llm, DefaultTTLHours: 3, Seed: 7}
	pending := staging.NewPendingSet()
	f.p = &Pipeline{
		Queues:   queue.NewSet(queue.NewMemoryBackend()),
		States:   states,
		Out:      f.out,
		Repo:     r,
		Reasoner: f.llm,
		Images:   llm.PlaceholderImages{BaseURL: "https://assets.test"},
		Staging:  stg,
		Pending:  pending,
		Movement: &movement.Service{
			Repo: r, Engine: eng, Staging: stg, Pending: pending,
			RequestTimeout: cfg.Staging.RequestTimeout, Now: clock,
		},
		Scenes:     scene.Resolver{Repo: r, Facts: scene.RepoFacts{Repo: r}},
		Challenges: &challenge.Service{Repo: r, Engine: eng, Effects: fx, States: states, ApprovalTimeout: cfg.Approvals.Timeout, Now: clock},
		Narrative:  &narrative.Service{Repo: r, Engine: eng, Effects: fx, States: states, ApprovalTimeout: cfg.Approvals.Timeout, Now: clock},
		Config:     cfg,
		Now:        clock,
	}
	return f
}

// drain runs every queue until none has work left.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	workers := f.p.Workers()
	for round := 0; round < 50; round++ {
		busy := false
		for _, w := range workers {
			ok, err := w.RunOnce(ctx)
			if err != nil {
				t.Fatalf("run %s: %v", w.Queue.Name, err)
			}
			busy = busy || ok
		}
		if !busy {
			return
		}
	}
	t.Fatalf("queues did not settle")
}

func (f *fixture) approvalOf(t *testing.T, kind worldstate.ApprovalKind) worldstate.PendingApproval {
	t.Helper()
	for _, a := range f.state.Approvals() {
		if a.Kind == kind {
			return a
		}
	}
	t.Fatalf("no pending %s approval in %+v", kind, f.state.Approvals())
	return worldstate.PendingApproval{}
}

func intp(v int) *int { return &v }

func TestActionWithoutDMIsDeliveredDirectly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.llm.Script(llm.PurposeDialogue, "Welcome, traveller. Sit anywhere.")
	if _, err := f.p.SubmitAction(ctx, queue.PlayerActionPayload{
		WorldID: repotest.WorldID, PcID: "pc1", UserID: "u1", ActionType: "talk", Target: "npc-barkeep", Dialogue: "Hello there",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.drain(t)

	lines := f.out.to("all", protocol.TypeDialogueResponse)
	if len(lines) != 1 {
		t.Fatalf("expected one dialogue broadcast, got %d", len(lines))
	}
	msg := lines[0].Body.(protocol.DialogueResponseMsg)
	if msg.Speaker != "Marta" || msg.Text != "Welcome, traveller. Sit anywhere." || msg.PcID != "pc1" {
		t.Fatalf("unexpected dialogue %+v", msg)
	}
	history := f.state.Conversation(10)
	if len(history) != 2 || history[0].Text != "Hello there" || history[1].Speaker != "Marta" {
		t.Fatalf("unexpected history %+v", history)
	}
	calls := f.llm.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Prompt, "Player says: Hello there") {
		t.Fatalf("unexpected reasoning calls %+v", calls)
	}

	events := f.out.to("all", protocol.TypeNarrativeEventTriggered)
	if len(events) != 1 || events[0].Body.(protocol.NarrativeEventTriggeredMsg).Outcome != "greet" {
		t.Fatalf("welcome event should auto-accept without a DM: %+v", events)
	}
	if n, _ := f.repo.ItemQuantity(ctx, nil, "pc1", "coin"); n != 5 {
		t.Fatalf("expected 5 coins from the event, got %d", n)
	}
	if len(f.state.Approvals()) != 0 {
		t.Fatalf("nothing should be left pending: %+v", f.state.Approvals())
	}
}

func TestActionWithDMWaitsForDecision(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.llm.Script(llm.PurposeDialogue, "Marta smiles.")
	if _, err := f.p.SubmitAction(ctx, queue.PlayerActionPayload{
		WorldID: repotest.WorldID, PcID: "pc1", UserID: "u1", ActionType: "talk", Target: "Marta", Dialogue: "Any rooms?",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.drain(t)

	if got := f.out.to("all", protocol.TypeDialogueResponse); len(got) != 0 {
		t.Fatalf("dialogue must wait for the DM, got %+v", got)
	}
	if got := f.out.to("dm", protocol.TypeApprovalRequired); len(got) != 2 {
		t.Fatalf("expected dialogue and narrative approvals for the DM, got %d", len(got))
	}
	a := f.approvalOf(t, worldstate.ApprovalDialogue)
	if a.ProposedText != "Marta smiles." || a.PcID != "pc1" {
		t.Fatalf("unexpected approval %+v", a)
	}

	if _, err := f.p.Decide(ctx, queue.ApprovalDecision{
		WorldID: repotest.WorldID, ApprovalID: a.ID, DecidedBy: "dm", Kind: protocol.DecisionEdit, Text: "Marta scowls.",
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	f.drain(t)

	lines := f.out.to("all", protocol.TypeDialogueResponse)
	if len(lines) != 1 || lines[0].Body.(protocol.DialogueResponseMsg).Text != "Marta scowls." {
		t.Fatalf("expected edited dialogue, got %+v", lines)
	}
	if _, ok := f.state.Approval(a.ID); ok {
		t.Fatalf("decided approval should leave the pending set")
	}
}

func TestCancelledActionDiscardsInFlightReply(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	item, err := f.p.SubmitAction(ctx, queue.PlayerActionPayload{
		WorldID: repotest.WorldID, PcID: "pc1", UserID: "u1", ActionType: "talk", Target: "Marta", Dialogue: "Any rooms?",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.llm.Default = func(req llm.Request) (string, error) {
		if req.Purpose == llm.PurposeDialogue {
			if _, err := f.p.Queues.Cancel(ctx, repotest.WorldID, item.CorrelationID); err != nil {
				return "", err
			}
		}
		return "Marta smiles.", nil
	}
	f.drain(t)

	for _, a := range f.state.Approvals() {
		if a.Kind == worldstate.ApprovalDialogue {
			t.Fatalf("cancelled reply must not be parked: %+v", a)
		}
	}
	for _, env := range f.out.to("dm", protocol.TypeApprovalRequired) {
		if env.Body.(protocol.ApprovalRequiredMsg).Kind == string(worldstate.ApprovalDialogue) {
			t.Fatalf("cancelled reply must not reach the DM")
		}
	}
	if got := f.out.to("all", protocol.TypeDialogueResponse); len(got) != 0 {
		t.Fatalf("cancelled reply must not be broadcast: %+v", got)
	}
}

func TestSuggestThenSelectBranchResolvesChallenge(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.llm.Script(llm.PurposeOutcome, "1. The lock gives way.\n2. The lock gives way, loudly.")
	res, err := f.p.Challenges.Start(ctx, "ch-lockpick", "pc1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rr, err := f.p.Challenges.SubmitRoll(ctx, res.ID, challenge.RollInput{Roll: intp(12)})
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	a, _ := f.state.Approval(rr.ApprovalID)
	if err := f.p.Offer(ctx, a); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := f.out.to("dm", protocol.TypeApprovalRequired); len(got) != 1 {
		t.Fatalf("expected the roll to reach the DM, got %d", len(got))
	}

	if _, err := f.p.Decide(ctx, queue.ApprovalDecision{
		WorldID: repotest.WorldID, ApprovalID: a.ID, DecidedBy: "dm", Kind: protocol.DecisionSuggest, Guidance: "make it tense",
	}); err != nil {
		t.Fatalf("suggest: %v", err)
	}
	f.drain(t)
	ready := f.out.to("dm", protocol.TypeOutcomeSuggestionReady)
	if len(ready) != 1 {
		t.Fatalf("expected suggestions for the DM, got %d", len(ready))
	}
	if s := ready[0].Body.(protocol.OutcomeSuggestionReadyMsg).Suggestions; len(s) != 2 {
		t.Fatalf("expected two suggestions, got %v", s)
	}
	a, _ = f.state.Approval(rr.ApprovalID)
	if len(a.Branches) != 2 || a.Branches[1].ID != "s2" {
		t.Fatalf("branches not attached: %+v", a.Branches)
	}
	calls := f.llm.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Prompt, "make it tense") {
		t.Fatalf("guidance should reach the model: %+v", calls)
	}

	if _, err := f.p.Decide(ctx, queue.ApprovalDecision{
		WorldID: repotest.WorldID, ApprovalID: a.ID, DecidedBy: "dm", Kind: protocol.DecisionSelectBranch, BranchID: "s2",
	}); err != nil {
		t.Fatalf("select: %v", err)
	}
	f.drain(t)
	done := f.out.to("all", protocol.TypeChallengeResolved)
	if len(done) != 1 {
		t.Fatalf("expected one resolution broadcast, got %d", len(done))
	}
	msg := done[0].Body.(protocol.ChallengeResolvedMsg)
	if msg.Description != "The lock gives way, loudly." || msg.Total != 15 || msg.Outcome != string(challenge.Success) {
		t.Fatalf("unexpected resolution %+v", msg)
	}
	if v, _, _ := f.repo.Flag(ctx, repotest.WorldID, "", "cellar_open"); !v {
		t.Fatalf("success effects should apply")
	}
}

func TestDecideValidatesSynchronously(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.p.Decide(ctx, queue.ApprovalDecision{WorldID: repotest.WorldID, ApprovalID: "missing", Kind: protocol.DecisionAccept})
	if !errors.Is(err, worldstate.ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
	_, err = f.p.Decide(ctx, queue.ApprovalDecision{WorldID: repotest.WorldID, ApprovalID: "missing", Kind: "shrug"})
	if fault.Code(err) != protocol.CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
	_, err = f.p.Decide(ctx, queue.ApprovalDecision{WorldID: repotest.WorldID, ApprovalID: "missing", Kind: protocol.DecisionEdit})
	if fault.Code(err) != protocol.CodeValidationFailed {
		t.Fatalf("edit without text should fail validation, got %v", err)
	}
	stats, _ := f.p.Queues.Get(queue.Approval).Stats(ctx)
	if stats.Depth() != 0 {
		t.Fatalf("rejected decisions must not be queued")
	}
}

func TestExpiredApprovalIsReportedAndCancelsWork(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	res, _ := f.p.Challenges.Start(ctx, "ch-lockpick", "pc1")
	rr, err := f.p.Challenges.SubmitRoll(ctx, res.ID, challenge.RollInput{Roll: intp(5)})
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	if _, err := f.p.Decide(ctx, queue.ApprovalDecision{
		WorldID: repotest.WorldID, ApprovalID: rr.ApprovalID, DecidedBy: "dm", Kind: protocol.DecisionSuggest,
	}); err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if n := f.p.ExpireApprovals(ctx); n != 0 {
		t.Fatalf("nothing should expire yet, got %d", n)
	}
	f.now = f.now.Add(f.p.Config.Approvals.Timeout)
	if n := f.p.ExpireApprovals(ctx); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if got := f.out.to("dm", protocol.TypeApprovalExpired); len(got) != 1 {
		t.Fatalf("DM should hear about the expiry")
	}
	if got := f.out.to("pc:pc1", protocol.TypeApprovalExpired); len(got) != 1 {
		t.Fatalf("player should hear about the expiry")
	}
	stats, _ := f.p.Queues.Get(queue.Approval).Stats(ctx)
	if stats.Depth() != 0 || stats.Failed != 1 {
		t.Fatalf("queued decision should be cancelled: %+v", stats)
	}
	if _, err := f.p.Challenges.Pending(repotest.WorldID, rr.ApprovalID); !errors.Is(err, worldstate.ErrApprovalNotFound) {
		t.Fatalf("expired approval still pending: %v", err)
	}
}

func (f *fixture) move(t *testing.T, pcID, regionID string, requireApproval bool) movement.Result {
	t.Helper()
	ctx := context.Background()
	res, err := f.p.Movement.MoveToRegion(ctx, movement.Request{PcID: pcID, ActorID: pcID, GameTime: gameNow, RequireApproval: requireApproval}, regionID)
	if err != nil {
		t.Fatalf("move %s: %v", pcID, err)
	}
	if err := f.p.PresentMove(ctx, repotest.WorldID, res); err != nil {
		t.Fatalf("present %s: %v", pcID, err)
	}
	return res
}

func TestSceneChangedHidesNpcsAndAnnouncesScene(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.p.Staging.PreStage(ctx, staging.ApproveRequest{
		RegionID: "tavern-bar", ApprovedBy: "dm", GameTime: gameNow,
		Npcs: []domain.StagedNpc{
			{CharacterID: "npc-barkeep", IsPresent: true},
			{CharacterID: "npc-thief", IsPresent: true, IsHiddenFromPlayers: true},
		},
	}); err != nil {
		t.Fatalf("prestage: %v", err)
	}
	f.move(t, "pc1", "tavern-bar", true)

	player := f.out.to("pc:pc1", protocol.TypeSceneChanged)
	dm := f.out.to("dm", protocol.TypeSceneChanged)
	if len(player) != 1 || len(dm) != 1 {
		t.Fatalf("expected one scene for player and DM, got %d and %d", len(player), len(dm))
	}
	if n := len(player[0].Body.(protocol.SceneChangedMsg).NpcsPresent); n != 1 {
		t.Fatalf("player should see only the barkeep, got %d npcs", n)
	}
	dmView := dm[0].Body.(protocol.SceneChangedMsg)
	if len(dmView.NpcsPresent) != 2 || dmView.SceneID != "scene-town" {
		t.Fatalf("unexpected DM view %+v", dmView)
	}
	updates := f.out.to("all", protocol.TypeSceneUpdate)
	if len(updates) != 1 || updates[0].Body.(protocol.SceneUpdateMsg).SceneName != "Quiet Town" {
		t.Fatalf("expected scene announcement, got %+v", updates)
	}
	f.move(t, "pc2", "tavern-bar", true)
	if got := f.out.to("all", protocol.TypeSceneUpdate); len(got) != 1 {
		t.Fatalf("unchanged scene should not be announced again")
	}
}

func TestMovementBlockedGoesToPlayer(t *testing.T) {
	f := newFixture(t, true)
	f.move(t, "pc1", "tavern-bar", false)
	f.move(t, "pc1", "tavern-cellar", false)
	got := f.out.to("pc:pc1", protocol.TypeMovementBlocked)
	if len(got) != 1 || got[0].Body.(protocol.MovementBlockedMsg).Reason != "The cellar door is locked" {
		t.Fatalf("expected blocked message, got %+v", got)
	}
}

func TestStagingApprovalReleasesWaitingPcs(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	first := f.move(t, "pc1", "tavern-bar", true)
	f.move(t, "pc2", "tavern-bar", true)
	if got := f.out.to("dm", protocol.TypeStagingApprovalRequired); len(got) != 1 {
		t.Fatalf("DM should be asked once, got %d", len(got))
	}
	if got := f.out.to("pc:pc2", protocol.TypeStagingPending); len(got) != 1 {
		t.Fatalf("second pc should wait")
	}
	f.drain(t)
	regen := f.out.to("dm", protocol.TypeStagingRegenerated)
	if len(regen) != 1 || regen[0].Body.(protocol.StagingRegeneratedMsg).RequestID != first.Pending.ID {
		t.Fatalf("expected model suggestions for the request, got %+v", regen)
	}
	if _, err := f.repo.ActiveStaging(ctx, "tavern-bar"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("suggestions must not persist staging, got %v", err)
	}

	entry, err := f.p.ApproveStaging(ctx, repotest.WorldID, first.Pending.ID, staging.ApproveRequest{
		RegionID: "tavern-bar", ApprovedBy: "dm", GameTime: gameNow,
		Npcs: []domain.StagedNpc{{CharacterID: "npc-barkeep", IsPresent: true}},
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	for _, pc := range []string{"pc1", "pc2"} {
		got := f.out.to("pc:"+pc, protocol.TypeSceneChanged)
		if len(got) != 1 || got[0].Body.(protocol.SceneChangedMsg).StagingID != entry.ID {
			t.Fatalf("%s should see the approved staging, got %+v", pc, got)
		}
	}
	if got := f.out.to("dm", protocol.TypeStagingReady); len(got) != 1 {
		t.Fatalf("DM should get StagingReady")
	}
	if f.p.Pending.Len() != 0 {
		t.Fatalf("request should be closed")
	}
}

func TestUnreachableDMAutoApprovesStaging(t *testing.T) {
	f := newFixture(t, true)
	f.out.unreachable = true
	f.p.Config.Staging.LLMEnabled = false
	f.move(t, "pc1", "tavern-bar", true)
	if got := f.out.to("pc:pc1", protocol.TypeSceneChanged); len(got) != 1 {
		t.Fatalf("player should not be left waiting, got %d scenes", len(got))
	}
	entry, err := f.repo.ActiveStaging(context.Background(), "tavern-bar")
	if err != nil || entry.Source != domain.SourceRuleBased {
		t.Fatalf("expected rule-based staging, got %+v %v", entry, err)
	}
}

func TestStagingTimeout(t *testing.T) {
	cases := []struct {
		name        string
		autoApprove bool
		want        string
	}{
		{"auto-approve", true, protocol.TypeSceneChanged},
		{"time out", false, protocol.TypeStagingTimedOut},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.p.Config.Staging.LLMEnabled = false
			f.p.Config.Staging.AutoApproveOnTimeout = tc.autoApprove
			f.move(t, "pc1", "tavern-bar", true)
			if n := f.p.ExpireStaging(context.Background()); n != 0 {
				t.Fatalf("nothing should expire yet")
			}
			f.now = f.now.Add(f.p.Config.Staging.RequestTimeout)
			if n := f.p.ExpireStaging(context.Background()); n != 1 {
				t.Fatalf("expected one expired request, got %d", n)
			}
			if got := f.out.to("pc:pc1", tc.want); len(got) != 1 {
				t.Fatalf("expected %s for the player", tc.want)
			}
		})
	}
}

func TestAssetQueueReportsToDM(t *testing.T) {
	f := newFixture(t, true)
	it, err := f.p.RequestAsset(context.Background(), queue.AssetRequest{
		WorldID: repotest.WorldID, EntityType: "npc", EntityID: "npc-barkeep", Prompt: "a stern barkeep", RequestedBy: "dm",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	f.drain(t)
	got := f.out.to("dm", protocol.TypeAssetGenerated)
	if len(got) != 1 {
		t.Fatalf("expected asset notice, got %d", len(got))
	}
	msg := got[0].Body.(protocol.AssetGeneratedMsg)
	if msg.RequestID != it.CorrelationID || msg.AssetURL != "https://assets.test/npc/npc-barkeep.png" {
		t.Fatalf("unexpected asset %+v", msg)
	}
}

func TestWorkersPinAssetConcurrency(t *testing.T) {
	f := newFixture(t, true)
	f.p.Config.Queues.Workers = map[string]int{string(queue.AssetGeneration): 4, string(queue.Reasoning): 3}
	for _, w := range f.p.Workers() {
		switch w.Queue.Name {
		case queue.AssetGeneration:
			if w.Concurrency != 1 {
				t.Fatalf("asset queue must run one worker, got %d", w.Concurrency)
			}
		case queue.Reasoning:
			if w.Concurrency != 3 {
				t.Fatalf("reasoning workers = %d", w.Concurrency)
			}
		}
	}
}

func TestParseSuggestions(t *testing.T) {
	got := ParseSuggestions("Here you go:\n1. First\n2) Second\n- Third\n\n")
	if len(got) != 3 || got[0] != "First" || got[1] != "Second" || got[2] != "Third" {
		t.Fatalf("unexpected %q", got)
	}
	if got := ParseSuggestions("  Just one idea.  "); len(got) != 1 || got[0] != "Just one idea." {
		t.Fatalf("unexpected %q", got)
	}
	if got := ParseSuggestions(" "); len(got) != 0 {
		t.Fatalf("empty reply should yield nothing")
	}
}
