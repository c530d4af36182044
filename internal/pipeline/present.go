package pipeline

import (
	"context"
	"fmt"

	"loreline/internal/domain"
	"loreline/internal/movement"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/scene"
	"loreline/internal/staging"
)

// PresentMove delivers the outcome of a move to the moving player and the DM.
func (p *Pipeline) PresentMove(ctx context.Context, worldID string, res movement.Result) error {
	switch res.Kind {
	case movement.Blocked:
		env := protocol.New(protocol.TypeMovementBlocked, protocol.MovementBlockedMsg{PcID: res.PC.ID, Reason: res.Reason})
		p.sendPlayer(worldID, res.PC.ID, env)
		p.sendDM(worldID, env)
		return nil
	case movement.SceneChanged:
		p.presentScene(ctx, worldID, res)
		return nil
	case movement.StagingPending:
		p.sendPlayer(worldID, res.PC.ID, protocol.New(protocol.TypeStagingPending, protocol.StagingPendingMsg{
			PcID: res.PC.ID, RegionID: res.Region.ID, RegionName: res.Region.Name,
		}))
		if res.PendingCreated {
			return p.askForStaging(ctx, res.Pending)
		}
		return nil
	}
	return fmt.Errorf("unknown move result %q", res.Kind)
}

// askForStaging sends a new pending request to the DM, and approves the
// rule-based set when the DM cannot be reached.
func (p *Pipeline) askForStaging(ctx context.Context, req staging.PendingRequest) error {
	if p.Config.Staging.LLMEnabled {
		if _, err := p.RequestStagingSuggestions(ctx, req.WorldID, req.RegionID, req.ID, ""); err != nil {
			p.logf("queue staging suggestions for %s: %v", req.RegionID, err)
		}
	}
	err := p.Out.SendToDM(req.WorldID, protocol.New(protocol.TypeStagingApprovalRequired, protocol.StagingApprovalRequiredMsg{
		RequestID:  req.ID,
		RegionID:   req.RegionID,
		LocationID: req.LocationID,
		GameTime:   req.GameTime,
		RuleBased:  req.RuleBased,
		LLMBased:   req.LLMBased,
		WaitingPcs: req.WaitingPcs,
		DefaultTTL: p.Config.Staging.DefaultTTLHours,
	}))
	if err == nil {
		return nil
	}
	p.logf("staging request %s not delivered, approving rule set: %v", req.ID, err)
	if _, ok := p.Pending.Take(req.ID); !ok {
		return nil
	}
	return p.approveRuleBased(ctx, req)
}

// RequestStagingSuggestions queues a model pass for a region. requestID ties
// the answer to an open pending request and may be empty.
func (p *Pipeline) RequestStagingSuggestions(ctx context.Context, worldID, regionID, requestID, guidance string) (queue.Item, error) {
	corr := requestID
	if corr == "" {
		corr = regionID
	}
	return p.enqueue(ctx, queue.Reasoning, queue.NewItem{
		WorldID:       worldID,
		CorrelationID: corr,
		Payload: queue.ReasoningRequest{
			Kind:             queue.ReasonStagingSuggestion,
			WorldID:          worldID,
			RegionID:         regionID,
			StagingRequestID: requestID,
			Guidance:         guidance,
		},
	})
}

func (p *Pipeline) reasonStaging(ctx context.Context, r queue.ReasoningRequest) error {
	req := staging.SuggestRequest{RegionID: r.RegionID, Guidance: r.Guidance, Recent: p.recent(r.WorldID, promptHistory)}
	if st, ok := p.state(r.WorldID); ok {
		req.GameTime = st.GameTime()
	} else {
		t, err := p.Repo.GameTime(ctx, r.WorldID)
		if err != nil {
			return err
		}
		req.GameTime = t
	}
	npcs, err := p.Staging.Regenerate(ctx, req)
	if err != nil {
		return err
	}
	if npcs == nil {
		npcs = []domain.StagedNpc{}
	}
	if r.StagingRequestID != "" {
		p.Pending.SetLLMBased(r.StagingRequestID, npcs)
	}
	err = p.Out.SendToDM(r.WorldID, protocol.New(protocol.TypeStagingRegenerated, protocol.StagingRegeneratedMsg{
		RequestID:   r.StagingRequestID,
		RegionID:    r.RegionID,
		Source:      string(domain.SourceLLMBased),
		Suggestions: npcs,
	}))
	if err != nil {
		p.logf("staging suggestions for %s not delivered: %v", r.RegionID, err)
	}
	return nil
}

// ApproveStaging persists a DM-chosen staging and releases every PC waiting
// on the region.
func (p *Pipeline) ApproveStaging(ctx context.Context, worldID, requestID string, req staging.ApproveRequest) (domain.StagingEntry, error) {
	entry, err := p.Staging.Approve(ctx, req)
	if err != nil {
		return domain.StagingEntry{}, err
	}
	var (
		pending staging.PendingRequest
		ok      bool
	)
	if requestID != "" {
		pending, ok = p.Pending.Take(requestID)
	}
	if !ok {
		pending, ok = p.Pending.TakeRegion(req.RegionID)
	}
	if ok {
		p.ReleaseStaging(ctx, pending, entry)
	} else {
		p.sendDM(worldID, protocol.New(protocol.TypeStagingReady, protocol.StagingReadyMsg{RegionID: entry.RegionID, Staging: entry}))
	}
	return entry, nil
}

func (p *Pipeline) approveRuleBased(ctx context.Context, req staging.PendingRequest) error {
	entry, err := p.Staging.Approve(ctx, staging.ApproveRequest{
		RegionID:   req.RegionID,
		Npcs:       req.RuleBased,
		Source:     domain.SourceRuleBased,
		ApprovedBy: staging.SystemApprover,
		GameTime:   req.GameTime,
	})
	if err != nil {
		return err
	}
	p.ReleaseStaging(ctx, req, entry)
	return nil
}

// ReleaseStaging shows the approved entry to every PC that was waiting on it.
func (p *Pipeline) ReleaseStaging(ctx context.Context, req staging.PendingRequest, entry domain.StagingEntry) {
	p.sendDM(req.WorldID, protocol.New(protocol.TypeStagingReady, protocol.StagingReadyMsg{RegionID: entry.RegionID, Staging: entry}))
	for _, pcID := range req.WaitingPcs {
		res, err := p.Movement.Describe(ctx, pcID, entry)
		if err != nil {
			p.logf("release %s to %s: %v", req.RegionID, pcID, err)
			continue
		}
		if res.PC.RegionID == nil || *res.PC.RegionID != entry.RegionID {
			continue
		}
		p.presentScene(ctx, req.WorldID, res)
	}
}

// presentScene sends the player view and the DM view of an arrival, then
// announces a scene change for the PC's location. An offline player only
// misses the view; the move itself stands.
func (p *Pipeline) presentScene(ctx context.Context, worldID string, res movement.Result) {
	var sceneID string
	ws, err := p.Scenes.ResolveWorld(ctx, worldID)
	if err != nil {
		p.logf("resolve scenes for %s: %v", worldID, err)
	} else if ls, ok := ws.Scene(res.Region.LocationID); ok && ls.Found {
		sceneID = ls.Scene.ID
	}
	p.sendPlayer(worldID, res.PC.ID, protocol.New(protocol.TypeSceneChanged, res.Message(false, sceneID)))
	p.sendDM(worldID, protocol.New(protocol.TypeSceneChanged, res.Message(true, sceneID)))
	if sceneID != "" {
		if st, ok := p.state(worldID); ok && st.SetCurrentScene(sceneID) {
			ls, _ := ws.Scene(res.Region.LocationID)
			p.broadcastScene(worldID, ls)
		}
	}
}

// refreshScenes re-resolves every occupied location after a scene effect and
// announces each resolved scene. forced names the scene the effect asked for.
func (p *Pipeline) refreshScenes(ctx context.Context, worldID, forced string) {
	ws, err := p.Scenes.ResolveWorld(ctx, worldID)
	if err != nil {
		p.logf("resolve scenes for %s: %v", worldID, err)
		return
	}
	if st, ok := p.state(worldID); ok && forced != "" {
		st.SetCurrentScene(forced)
	}
	for _, ls := range ws.Locations {
		if forced != "" && !ls.Found {
			scenes, err := p.Repo.ListScenes(ctx, ls.LocationID)
			if err == nil {
				for _, sc := range scenes {
					if sc.ID == forced {
						ls.Scene, ls.Found = sc, true
					}
				}
			}
		}
		if ls.Found {
			p.broadcastScene(worldID, ls)
		}
	}
}

func (p *Pipeline) broadcastScene(worldID string, ls scene.LocationScene) {
	p.Out.Broadcast(worldID, protocol.New(protocol.TypeSceneUpdate, protocol.SceneUpdateMsg{
		LocationID: ls.LocationID,
		SceneID:    ls.Scene.ID,
		SceneName:  ls.Scene.Name,
		PcIDs:      ls.PcIDs,
	}))
}

func (p *Pipeline) sendDM(worldID string, env protocol.Envelope) {
	if !p.Out.HasDM(worldID) {
		return
	}
	if err := p.Out.SendToDM(worldID, env); err != nil {
		p.logf("send %s to dm: %v", env.Type, err)
	}
}

func (p *Pipeline) sendPlayer(worldID, pcID string, env protocol.Envelope) {
	if err := p.Out.SendToPlayer(worldID, pcID, env); err != nil {
		p.logf("send %s to %s: %v", env.Type, pcID, err)
	}
}
