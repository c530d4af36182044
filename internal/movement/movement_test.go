package movement

import (
	"context"
	"errors"
	"testing"
	"time"

	"loreline/internal/domain"
	"loreline/internal/engine"
	"loreline/internal/repo"
	"loreline/internal/repo/repotest"
	"loreline/internal/staging"
)

var gameNow = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, repo.Repo) {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	eng := engine.New(r.DB)
	st := &staging.Service{Repo: r, Engine: eng, DefaultTTLHours: 3, Seed: 7}
	return &Service{
		Repo: r, Engine: eng, Staging: st, Pending: staging.NewPendingSet(),
		RequestTimeout: 30 * time.Second,
		Now:            func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, r
}

func region(t *testing.T, r repo.Repo, pcID string) string {
	t.Helper()
	pc, err := r.GetPC(context.Background(), pcID)
	if err != nil {
		t.Fatalf("get pc: %v", err)
	}
	if pc.RegionID == nil {
		return ""
	}
	return *pc.RegionID
}

func TestLockedConnectionBlocksWithoutMoving(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	req := Request{PcID: "pc1", ActorID: "u1", GameTime: gameNow}
	if _, err := s.MoveToRegion(ctx, req, "tavern-bar"); err != nil {
		t.Fatalf("move to bar: %v", err)
	}
	res, err := s.MoveToRegion(ctx, req, "tavern-cellar")
	if err != nil {
		t.Fatalf("move to cellar: %v", err)
	}
	if res.Kind != Blocked || res.Reason != "The cellar door is locked" {
		t.Fatalf("expected blocked move, got %+v", res)
	}
	if got := region(t, r, "pc1"); got != "tavern-bar" {
		t.Fatalf("pc moved to %s", got)
	}
	if _, err := r.ActiveStaging(ctx, "tavern-cellar"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("blocked move must not stage the target, got %v", err)
	}
}

func TestUnconnectedRegionIsRejected(t *testing.T) {
	s, r := newService(t)
	_, err := s.MoveToRegion(context.Background(), Request{PcID: "pc1", GameTime: gameNow}, "tavern-cellar")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := region(t, r, "pc1"); got != "town-square" {
		t.Fatalf("pc moved to %s", got)
	}
}

func TestMoveAutoApprovesStaging(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	res, err := s.MoveToRegion(ctx, Request{PcID: "pc1", ActorID: "u1", GameTime: gameNow}, "tavern-bar")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Kind != SceneChanged {
		t.Fatalf("expected scene change, got %s", res.Kind)
	}
	if res.Staging.Source != domain.SourceRuleBased || res.Staging.ApprovedBy != staging.SystemApprover {
		t.Fatalf("unexpected staging: %+v", res.Staging)
	}
	if len(res.Exits) != 2 {
		t.Fatalf("expected 2 exits from the bar, got %+v", res.Exits)
	}
	if got := region(t, r, "pc1"); got != "tavern-bar" {
		t.Fatalf("pc at %s", got)
	}
	again, err := s.MoveToRegion(ctx, Request{PcID: "pc2", GameTime: gameNow.Add(time.Hour)}, "tavern-bar")
	if err != nil {
		t.Fatalf("second move: %v", err)
	}
	if again.Staging.ID != res.Staging.ID {
		t.Fatalf("second arrival should reuse staging %s, got %s", res.Staging.ID, again.Staging.ID)
	}
}

func TestMoveWaitsForApproval(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	req := Request{PcID: "pc1", GameTime: gameNow, RequireApproval: true}
	res, err := s.MoveToRegion(ctx, req, "tavern-bar")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Kind != StagingPending || !res.PendingCreated {
		t.Fatalf("expected new pending request, got %+v", res)
	}
	if got := region(t, r, "pc1"); got != "tavern-bar" {
		t.Fatalf("pc should be in the region while staging is pending, at %s", got)
	}
	if _, err := r.ActiveStaging(ctx, "tavern-bar"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("pending move must not persist staging, got %v", err)
	}
	req.PcID = "pc2"
	second, err := s.MoveToRegion(ctx, req, "tavern-bar")
	if err != nil {
		t.Fatalf("second move: %v", err)
	}
	if second.PendingCreated || second.Pending.ID != res.Pending.ID {
		t.Fatalf("second pc should join request %s, got %+v", res.Pending.ID, second.Pending)
	}
	if len(second.Pending.WaitingPcs) != 2 {
		t.Fatalf("expected two waiting pcs, got %v", second.Pending.WaitingPcs)
	}
	if second.Pending.Deadline != s.Now().Add(30*time.Second) {
		t.Fatalf("unexpected deadline %v", second.Pending.Deadline)
	}
}

func TestApprovedStagingSkipsApproval(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	if _, err := s.Staging.PreStage(ctx, staging.ApproveRequest{
		RegionID: "tavern-bar", ApprovedBy: "dm", GameTime: gameNow,
		Npcs: []domain.StagedNpc{{CharacterID: "npc-thief", IsPresent: true}},
	}); err != nil {
		t.Fatalf("prestage: %v", err)
	}
	res, err := s.MoveToRegion(ctx, Request{PcID: "pc1", GameTime: gameNow, RequireApproval: true}, "tavern-bar")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Kind != SceneChanged || res.Staging.Source != domain.SourcePreStaged {
		t.Fatalf("expected pre-staged scene, got %+v", res)
	}
	if s.Pending.Len() != 0 {
		t.Fatalf("no request should be opened")
	}
}

func TestExitToLocationArrival(t *testing.T) {
	s, r := newService(t)
	ctx := context.Background()
	res, err := s.ExitToLocation(ctx, Request{PcID: "pc3", GameTime: gameNow}, "town", "")
	if err != nil {
		t.Fatalf("exit to town: %v", err)
	}
	if res.Region.ID != "town-square" {
		t.Fatalf("expected default region, got %s", res.Region.ID)
	}
	res, err = s.ExitToLocation(ctx, Request{PcID: "pc1", GameTime: gameNow}, "forest", "")
	if err != nil {
		t.Fatalf("exit to forest: %v", err)
	}
	if res.Region.ID != "forest-edge" {
		t.Fatalf("expected spawn region, got %s", res.Region.ID)
	}
	if _, err := s.ExitToLocation(ctx, Request{PcID: "pc2", GameTime: gameNow}, "forest", "forest-deep"); err != nil {
		t.Fatalf("explicit arrival: %v", err)
	}
	if got := region(t, r, "pc2"); got != "forest-deep" {
		t.Fatalf("pc2 at %s", got)
	}
	if _, err := s.ExitToLocation(ctx, Request{PcID: "pc2", GameTime: gameNow}, "cave", ""); !errors.Is(err, ErrNoArrivalRegion) {
		t.Fatalf("expected ErrNoArrivalRegion, got %v", err)
	}
	if got := region(t, r, "pc2"); got != "forest-deep" {
		t.Fatalf("failed exit moved pc2 to %s", got)
	}
}

func TestMessageHidesNpcsFromPlayers(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	entry, err := s.Staging.Approve(ctx, staging.ApproveRequest{
		RegionID: "tavern-bar", ApprovedBy: "dm", GameTime: gameNow,
		Npcs: []domain.StagedNpc{
			{CharacterID: "npc-barkeep", IsPresent: true},
			{CharacterID: "npc-thief", IsPresent: true, IsHiddenFromPlayers: true},
			{CharacterID: "npc-drunk", IsPresent: false},
		},
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := s.Describe(ctx, "pc2", entry)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	player := res.Message(false, "scene-town")
	if len(player.NpcsPresent) != 1 || player.NpcsPresent[0].Name != "Marta" {
		t.Fatalf("player view: %+v", player.NpcsPresent)
	}
	if player.StagingID != entry.ID || player.SceneID != "scene-town" || len(player.Exits) != 2 {
		t.Fatalf("unexpected message %+v", player)
	}
	if dm := res.Message(true, ""); len(dm.NpcsPresent) != 2 {
		t.Fatalf("dm view should include hidden npc: %+v", dm.NpcsPresent)
	}
}
