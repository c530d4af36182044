package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"loreline/internal/clock"
	"loreline/internal/config"
	"loreline/internal/domain"
	"loreline/internal/llm"
	"loreline/internal/protocol"
	"loreline/internal/repo/repotest"
)

type client struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

// received decodes every message of msgType the client got, in order.
func received[T any](t *testing.T, c *client, msgType string) []T {
	t.Helper()
	c.mu.Lock()
	frames := append([][]byte(nil), c.frames...)
	c.mu.Unlock()
	var out []T
	for _, f := range frames {
		base, err := protocol.DecodeBase(f)
		if err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		if base.Type != msgType {
			continue
		}
		var v T
		if err := json.Unmarshal(f, &v); err != nil {
			t.Fatalf("decode %s: %v", msgType, err)
		}
		out = append(out, v)
	}
	return out
}

type harness struct {
	app     *App
	llm     *llm.Scripted
	clock   *clock.Manual
	clients map[string]*client
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	cfg := config.Default()
	cfg.Queues.Backend = "memory"
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{llm: llm.NewScripted(), clients: map[string]*client{}}
	h.clock = clock.NewManual(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	a, err := New(Options{Config: cfg, DB: r.DB, Reasoner: h.llm, Clock: h.clock})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) send(t *testing.T, connID, msgType string, body any) {
	t.Helper()
	frame, err := protocol.Encode(msgType, body)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	h.app.HandleMessage(context.Background(), connID, frame)
}

func (h *harness) join(t *testing.T, connID, role, userID, pcID string) *client {
	t.Helper()
	c := &client{}
	h.clients[connID] = c
	h.app.Connect(connID, c, "")
	h.send(t, connID, protocol.TypeJoinWorld, protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: role, UserID: userID, PcID: pcID})
	if errs := received[protocol.ErrorMsg](t, c, protocol.TypeError); len(errs) > 0 {
		t.Fatalf("join %s: %+v", connID, errs)
	}
	if got := received[protocol.WorldJoinedMsg](t, c, protocol.TypeWorldJoined); len(got) != 1 {
		t.Fatalf("join %s: expected WorldJoined, got %d", connID, len(got))
	}
	return c
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	workers := h.app.Pipeline.Workers()
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
	t.Fatalf("queues did not drain")
}

func lastError(t *testing.T, c *client) protocol.ErrorMsg {
	t.Helper()
	errs := received[protocol.ErrorMsg](t, c, protocol.TypeError)
	if len(errs) == 0 {
		t.Fatalf("expected an error message")
	}
	return errs[len(errs)-1]
}

func TestStagingLifecycleAcrossPlayers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dm := h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")

	h.send(t, "c-p1", protocol.TypeMoveToRegion, protocol.MoveToRegionMsg{RegionID: "tavern-bar"})
	scenes := received[protocol.SceneChangedMsg](t, p1, protocol.TypeSceneChanged)
	if len(scenes) != 1 {
		t.Fatalf("expected one scene for pc1, got %d", len(scenes))
	}
	first, err := h.app.Repo.ActiveStaging(ctx, "tavern-bar")
	if err != nil {
		t.Fatalf("active staging: %v", err)
	}
	if first.Source != domain.SourceRuleBased || first.ID != scenes[0].StagingID {
		t.Fatalf("expected auto rule-based staging shown to pc1, got %+v", first)
	}

	h.llm.Script(llm.PurposeStaging, `[{"name":"Old Pete","reason":"Nursing his ale"}]`)
	h.send(t, "c-dm", protocol.TypeRegenerateStaging, protocol.RegenerateStagingMsg{RegionID: "tavern-bar"})
	h.drain(t)
	regen := received[protocol.StagingRegeneratedMsg](t, dm, protocol.TypeStagingRegenerated)
	if len(regen) != 1 || regen[0].Source != string(domain.SourceLLMBased) {
		t.Fatalf("expected llm suggestions, got %+v", regen)
	}
	if len(regen[0].Suggestions) != 1 || regen[0].Suggestions[0].CharacterID != "npc-drunk" {
		t.Fatalf("unexpected suggestions %+v", regen[0].Suggestions)
	}
	still, err := h.app.Repo.ActiveStaging(ctx, "tavern-bar")
	if err != nil || still.ID != first.ID {
		t.Fatalf("regenerate must not replace the active entry: %+v %v", still, err)
	}

	h.send(t, "c-dm", protocol.TypeApproveStaging, protocol.ApproveStagingMsg{
		RegionID: "tavern-bar",
		TTLHours: 4,
		Npcs:     []protocol.StagedNpcInput{{CharacterID: "npc-thief", IsPresent: true}},
	})
	second, err := h.app.Repo.ActiveStaging(ctx, "tavern-bar")
	if err != nil {
		t.Fatalf("active staging: %v", err)
	}
	if second.ID == first.ID || second.Source != domain.SourceDMCustomized || second.TTLHours != 4 {
		t.Fatalf("expected a new DM entry, got %+v", second)
	}
	if got := received[protocol.StagingReadyMsg](t, dm, protocol.TypeStagingReady); len(got) != 1 {
		t.Fatalf("DM should be told the staging is ready, got %d", len(got))
	}

	p2 := h.join(t, "c-p2", "Player", "u2", "pc2")
	h.send(t, "c-p2", protocol.TypeMoveToRegion, protocol.MoveToRegionMsg{RegionID: "tavern-bar"})
	got := received[protocol.SceneChangedMsg](t, p2, protocol.TypeSceneChanged)
	if len(got) != 1 || got[0].StagingID != second.ID {
		t.Fatalf("pc2 should see the DM entry, got %+v", got)
	}
	if len(got[0].NpcsPresent) != 1 || got[0].NpcsPresent[0].CharacterID != "npc-thief" {
		t.Fatalf("unexpected npcs %+v", got[0].NpcsPresent)
	}
}

func TestJoinErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t, "c-dm", "DM", "dm", "")

	cases := []struct {
		name string
		msg  protocol.JoinWorldMsg
		code string
	}{
		{"second dm", protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: "DM", UserID: "dm2"}, protocol.CodeAlreadyDM},
		{"unknown world", protocol.JoinWorldMsg{WorldID: "nowhere", Role: "Player", UserID: "u1", PcID: "pc1"}, protocol.CodeNotFound},
		{"player without pc", protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: "Player", UserID: "u1"}, protocol.CodeValidationFailed},
		{"someone else's pc", protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: "Player", UserID: "u2", PcID: "pc1"}, protocol.CodeUnauthorized},
		{"bad role", protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: "Wizard", UserID: "u1"}, protocol.CodeValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &client{}
			h.app.Connect("c-"+tc.name, c, "")
			h.send(t, "c-"+tc.name, protocol.TypeJoinWorld, tc.msg)
			if got := lastError(t, c); got.Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, got)
			}
		})
	}
}

func TestMessagesBeforeJoinAndMalformedFrames(t *testing.T) {
	h := newHarness(t, nil)
	c := &client{}
	h.app.Connect("c1", c, "")

	h.send(t, "c1", protocol.TypeMoveToRegion, protocol.MoveToRegionMsg{RegionID: "tavern-bar"})
	if got := lastError(t, c); got.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED before join, got %+v", got)
	}
	h.app.HandleMessage(context.Background(), "c1", []byte(`{"type":`))
	if got := lastError(t, c); got.Code != protocol.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for malformed json, got %+v", got)
	}
	h.app.HandleMessage(context.Background(), "c1", []byte(`{"type":"Teleport"}`))
	if got := lastError(t, c); got.Code != protocol.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for unknown type, got %+v", got)
	}
	h.app.HandleMessage(context.Background(), "c1", []byte(`{"type":"Heartbeat"}`))
	if got := received[protocol.PongMsg](t, c, protocol.TypePong); len(got) != 1 {
		t.Fatalf("heartbeat should answer with Pong")
	}
}

func TestDMMovesOfflinePC(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dm := h.join(t, "c-dm", "DM", "dm", "")

	h.send(t, "c-dm", protocol.TypeMoveToRegion, protocol.MoveToRegionMsg{PcID: "pc1", RegionID: "tavern-bar"})
	if errs := received[protocol.ErrorMsg](t, dm, protocol.TypeError); len(errs) != 0 {
		t.Fatalf("a committed move must not be reported as an error: %+v", errs)
	}
	pc, err := h.app.Repo.GetPC(ctx, "pc1")
	if err != nil {
		t.Fatalf("get pc: %v", err)
	}
	if pc.RegionID == nil || *pc.RegionID != "tavern-bar" {
		t.Fatalf("pc should be in tavern-bar, got %v", pc.RegionID)
	}

	h.send(t, "c-dm", protocol.TypeMoveToRegion, protocol.MoveToRegionMsg{PcID: "pc1", RegionID: "tavern-cellar"})
	blocked := received[protocol.MovementBlockedMsg](t, dm, protocol.TypeMovementBlocked)
	if len(blocked) != 1 || blocked[0].PcID != "pc1" {
		t.Fatalf("DM should see the blocked move, got %+v", blocked)
	}
	if errs := received[protocol.ErrorMsg](t, dm, protocol.TypeError); len(errs) != 0 {
		t.Fatalf("a blocked move is not an error: %+v", errs)
	}
}

func TestRolesAreEnforced(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")
	spec := h.join(t, "c-spec", "Spectator", "watcher", "")

	h.send(t, "c-p1", protocol.TypeAdvanceGameTime, protocol.AdvanceGameTimeMsg{Hours: 1})
	if got := lastError(t, p1); got.Code != protocol.CodeUnauthorized {
		t.Fatalf("players may not advance time, got %+v", got)
	}
	h.send(t, "c-p1", protocol.TypeMoveToRegion, protocol.MoveToRegionMsg{PcID: "pc2", RegionID: "tavern-bar"})
	if got := lastError(t, p1); got.Code != protocol.CodeUnauthorized {
		t.Fatalf("players may only move their own pc, got %+v", got)
	}
	h.send(t, "c-spec", protocol.TypePlayerAction, protocol.PlayerActionMsg{ActionType: "talk", Dialogue: "hi"})
	if got := lastError(t, spec); got.Code != protocol.CodeUnauthorized {
		t.Fatalf("spectators only watch, got %+v", got)
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	dm := h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")

	h.send(t, "c-dm", protocol.TypeTriggerChallenge, protocol.TriggerChallengeMsg{ChallengeID: "ch-lockpick", PcID: "pc1"})
	prompts := received[protocol.ChallengePromptMsg](t, p1, protocol.TypeChallengePrompt)
	if len(prompts) != 1 || prompts[0].Modifier != 3 {
		t.Fatalf("expected a prompt with the dexterity modifier, got %+v", prompts)
	}

	roll := 12
	h.send(t, "c-p1", protocol.TypeSubmitChallengeRoll, protocol.SubmitChallengeRollMsg{ResolutionID: prompts[0].ResolutionID, Roll: &roll})
	submitted := received[protocol.ChallengeRollSubmittedMsg](t, dm, protocol.TypeChallengeRollSubmitted)
	if len(submitted) != 1 || submitted[0].Total != 15 || submitted[0].Outcome != "success" {
		t.Fatalf("unexpected roll %+v", submitted)
	}
	approvals := received[protocol.ApprovalRequiredMsg](t, dm, protocol.TypeApprovalRequired)
	if len(approvals) != 1 || approvals[0].Kind != "challenge" {
		t.Fatalf("expected a challenge approval, got %+v", approvals)
	}

	h.send(t, "c-dm", protocol.TypeRespondToApproval, protocol.RespondToApprovalMsg{
		ApprovalID: approvals[0].ApprovalID,
		Decision:   protocol.Decision{Kind: protocol.DecisionAccept},
	})
	h.drain(t)
	for _, c := range []*client{dm, p1} {
		resolved := received[protocol.ChallengeResolvedMsg](t, c, protocol.TypeChallengeResolved)
		if len(resolved) != 1 || resolved[0].Outcome != "success" {
			t.Fatalf("expected a resolved challenge broadcast, got %+v", resolved)
		}
	}

	h.send(t, "c-p1", protocol.TypeSubmitChallengeRoll, protocol.SubmitChallengeRollMsg{ResolutionID: prompts[0].ResolutionID, Roll: &roll})
	if got := lastError(t, p1); got.Code != protocol.CodeNotFound {
		t.Fatalf("a resolution rolls once, got %+v", got)
	}
}

func TestAdvanceGameTimePersistsAndBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")

	h.send(t, "c-dm", protocol.TypeAdvanceGameTime, protocol.AdvanceGameTimeMsg{Hours: 3})
	got := received[protocol.GameTimeAdvancedMsg](t, p1, protocol.TypeGameTimeAdvanced)
	want := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	if len(got) != 1 || !got[0].GameTime.Equal(want) || got[0].Hours != 3 {
		t.Fatalf("unexpected broadcast %+v", got)
	}
	stored, err := h.app.Repo.GameTime(context.Background(), repotest.WorldID)
	if err != nil || !stored.Equal(want) {
		t.Fatalf("game time not persisted: %v %v", stored, err)
	}
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	h := newHarness(t, nil)
	dm := h.join(t, "c-dm", "DM", "dm", "")
	h.join(t, "c-p1", "Player", "u1", "pc1")

	h.app.Disconnect("c-p1")
	left := received[protocol.UserLeftMsg](t, dm, protocol.TypeUserLeft)
	if len(left) != 1 || left[0].UserID != "u1" {
		t.Fatalf("expected UserLeft for u1, got %+v", left)
	}
	if !h.app.Registry.HasDM(repotest.WorldID) {
		t.Fatalf("dm should still be connected")
	}
	h.app.Disconnect("c-p1")
	if got := received[protocol.UserLeftMsg](t, dm, protocol.TypeUserLeft); len(got) != 1 {
		t.Fatalf("a second disconnect must be a no-op")
	}
}

func TestLastDepartureReleasesWorldState(t *testing.T) {
	h := newHarness(t, nil)
	dm := h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")

	h.send(t, "c-dm", protocol.TypeTriggerChallenge, protocol.TriggerChallengeMsg{ChallengeID: "ch-lockpick", PcID: "pc1"})
	prompts := received[protocol.ChallengePromptMsg](t, p1, protocol.TypeChallengePrompt)
	if len(prompts) != 1 {
		t.Fatalf("expected a challenge prompt, got %+v", prompts)
	}
	roll := 12
	h.send(t, "c-p1", protocol.TypeSubmitChallengeRoll, protocol.SubmitChallengeRollMsg{ResolutionID: prompts[0].ResolutionID, Roll: &roll})
	if got := received[protocol.ApprovalRequiredMsg](t, dm, protocol.TypeApprovalRequired); len(got) != 1 {
		t.Fatalf("expected a parked approval, got %+v", got)
	}

	h.app.Disconnect("c-p1")
	if _, ok := h.app.States.Get(repotest.WorldID); !ok {
		t.Fatalf("state must survive while the DM is connected")
	}
	h.app.Disconnect("c-dm")
	if _, ok := h.app.States.Get(repotest.WorldID); ok {
		t.Fatalf("state must be released with the last connection")
	}
	if worlds := h.app.Registry.Worlds(); len(worlds) != 0 {
		t.Fatalf("registry still lists %v", worlds)
	}

	h.join(t, "c-dm2", "DM", "dm", "")
	st, ok := h.app.States.Get(repotest.WorldID)
	if !ok {
		t.Fatalf("rejoining must recreate the state")
	}
	if n := len(st.Approvals()); n != 0 {
		t.Fatalf("approvals from the released session leaked: %d", n)
	}
}

func TestRequestMethods(t *testing.T) {
	h := newHarness(t, nil)
	dm := h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")

	call := func(connID, id, method string, params any) protocol.ResponseMsg {
		t.Helper()
		raw, _ := json.Marshal(params)
		h.send(t, connID, protocol.TypeRequest, protocol.RequestMsg{ID: id, Payload: protocol.RequestPayload{Method: method, Params: raw}})
		c := h.clients[connID]
		for _, r := range received[protocol.ResponseMsg](t, c, protocol.TypeResponse) {
			if r.ID == id {
				return r
			}
		}
		t.Fatalf("no response for %s", id)
		return protocol.ResponseMsg{}
	}

	res := call("c-p1", "r1", "pc.inventory", map[string]string{})
	if !res.Result.OK {
		t.Fatalf("inventory: %+v", res.Result.Error)
	}
	var items []domain.InventoryItem
	if err := json.Unmarshal(res.Result.Data, &items); err != nil || len(items) != 1 || items[0].ItemID != "cellar-key" {
		t.Fatalf("unexpected inventory %s %v", res.Result.Data, err)
	}

	res = call("c-p1", "r2", "approvals.list", nil)
	if res.Result.OK || res.Result.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("players may not list approvals, got %+v", res.Result)
	}
	res = call("c-dm", "r3", "approvals.list", nil)
	if !res.Result.OK {
		t.Fatalf("dm approvals: %+v", res.Result.Error)
	}
	res = call("c-dm", "r4", "no.such.method", nil)
	if res.Result.OK || res.Result.Error.Code != protocol.CodeNotFound {
		t.Fatalf("unknown method should be NOT_FOUND, got %+v", res.Result)
	}
	res = call("c-dm", "r5", "world.get", nil)
	var world worldView
	if err := json.Unmarshal(res.Result.Data, &world); err != nil || world.Name != "Ashvale" || !world.Running {
		t.Fatalf("unexpected world %s %v", res.Result.Data, err)
	}
	if errs := received[protocol.ErrorMsg](t, p1, protocol.TypeError); len(errs) != 0 {
		t.Fatalf("request failures belong in the response, got %+v", errs)
	}
	if errs := received[protocol.ErrorMsg](t, dm, protocol.TypeError); len(errs) != 0 {
		t.Fatalf("unexpected errors %+v", errs)
	}
}

func TestQueueStatusAndCancel(t *testing.T) {
	h := newHarness(t, nil)
	dm := h.join(t, "c-dm", "DM", "dm", "")
	p1 := h.join(t, "c-p1", "Player", "u1", "pc1")

	h.send(t, "c-p1", protocol.TypePlayerAction, protocol.PlayerActionMsg{ActionType: "talk", Target: "npc-barkeep", Dialogue: "Hello"})
	acks := received[protocol.ActionReceivedMsg](t, p1, protocol.TypeActionReceived)
	if len(acks) != 1 || acks[0].PcID != "pc1" || acks[0].ActionID == "" {
		t.Fatalf("unexpected ack %+v", acks)
	}
	h.send(t, "c-dm", protocol.TypeRequestQueueStatus, struct{}{})
	status := received[protocol.QueueStatusMsg](t, dm, protocol.TypeQueueStatus)
	if len(status) != 1 || status[0].Queues["player_action"].Pending != 1 {
		t.Fatalf("expected one pending action, got %+v", status)
	}

	h.send(t, "c-dm", protocol.TypeCancelRequest, protocol.CancelRequestMsg{CorrelationID: acks[0].ActionID})
	status = received[protocol.QueueStatusMsg](t, dm, protocol.TypeQueueStatus)
	if len(status) != 2 || status[1].Queues["player_action"].Pending != 0 {
		t.Fatalf("cancel should clear the action, got %+v", status)
	}
	h.drain(t)
	if got := received[protocol.DialogueResponseMsg](t, p1, protocol.TypeDialogueResponse); len(got) != 0 {
		t.Fatalf("cancelled action must not be answered, got %+v", got)
	}
}

func TestAuthenticatedConnectionMustJoinAsItsUser(t *testing.T) {
	h := newHarness(t, nil)
	c := &client{}
	h.app.Connect("c1", c, "u1")
	h.send(t, "c1", protocol.TypeJoinWorld, protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: "Player", UserID: "u2", PcID: "pc2"})
	if got := lastError(t, c); got.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", got)
	}
	h.send(t, "c1", protocol.TypeJoinWorld, protocol.JoinWorldMsg{WorldID: repotest.WorldID, Role: "Player", UserID: "u1", PcID: "pc1"})
	if got := received[protocol.WorldJoinedMsg](t, c, protocol.TypeWorldJoined); len(got) != 1 || got[0].PcID != "pc1" {
		t.Fatalf("expected to join as u1, got %+v", got)
	}
}
