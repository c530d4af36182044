package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loreline/internal/challenge"
	"loreline/internal/domain"
	"loreline/internal/engine/auth"
	"loreline/internal/fault"
	"loreline/internal/movement"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/session"
	"loreline/internal/staging"
	"loreline/internal/worldstate"
)

type handlerFunc func(a *App, ctx context.Context, c session.Conn, raw []byte) error

type route struct {
	action auth.Action
	handle handlerFunc
}

// routes covers every message that needs a joined connection.
var routes = map[string]route{
	protocol.TypePlayerAction:        {auth.ActionPlayerAction, (*App).playerAction},
	protocol.TypeMoveToRegion:        {auth.ActionMove, (*App).moveToRegion},
	protocol.TypeExitToLocation:      {auth.ActionMove, (*App).exitToLocation},
	protocol.TypeRespondToApproval:   {auth.ActionApprove, (*App).respondToApproval},
	protocol.TypeSelectBranch:        {auth.ActionApprove, (*App).selectBranch},
	protocol.TypeTriggerChallenge:    {auth.ActionTriggerChallenge, (*App).triggerChallenge},
	protocol.TypeSubmitChallengeRoll: {auth.ActionRoll, (*App).submitChallengeRoll},
	protocol.TypeTriggerNarrative:    {auth.ActionTriggerEvent, (*App).triggerNarrative},
	protocol.TypeApproveStaging:      {auth.ActionStagingApprove, (*App).approveStaging},
	protocol.TypeRegenerateStaging:   {auth.ActionStagingRegenerate, (*App).regenerateStaging},
	protocol.TypePreStageRegion:      {auth.ActionPreStage, (*App).preStageRegion},
	protocol.TypeDirectorialUpdate:   {auth.ActionDirect, (*App).directorialUpdate},
	protocol.TypeAdvanceGameTime:     {auth.ActionAdvanceTime, (*App).advanceGameTime},
	protocol.TypeRequestAsset:        {auth.ActionGenerateAsset, (*App).requestAsset},
	protocol.TypeRequestQueueStatus:  {auth.ActionQueueStatus, (*App).requestQueueStatus},
	protocol.TypeCancelRequest:       {auth.ActionQueueStatus, (*App).cancelRequest},
}

// HandleMessage validates one inbound frame and routes it. A failure goes back
// to the sending connection as an Error message.
func (a *App) HandleMessage(ctx context.Context, connID string, frame []byte) {
	err := a.handle(ctx, connID, frame)
	if err == nil {
		return
	}
	if fault.Code(err) == protocol.CodeInternal {
		a.logf("conn %s: %v", connID, err)
	}
	a.reply(connID, fault.Envelope(err))
}

func (a *App) handle(ctx context.Context, connID string, frame []byte) error {
	base, err := a.Validator.Validate(frame)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeHeartbeat:
		a.reply(connID, protocol.New(protocol.TypePong, protocol.PongMsg{}))
		return nil
	case protocol.TypeJoinWorld:
		return a.joinWorld(ctx, connID, frame)
	}
	c, ok := a.Registry.Lookup(connID)
	if !ok {
		return session.ErrUnknownConnection
	}
	if c.WorldID == "" {
		return session.ErrNotJoined
	}
	switch base.Type {
	case protocol.TypeLeaveWorld:
		return a.leaveWorld(c)
	case protocol.TypeRequest:
		return a.request(ctx, c, frame)
	}
	rt, ok := routes[base.Type]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownType, base.Type)
	}
	if err := a.Policy.Authorize(c.Role, rt.action); err != nil {
		return err
	}
	return rt.handle(a, ctx, c, frame)
}

func (a *App) reply(connID string, env protocol.Envelope) {
	if err := a.Registry.SendToConn(connID, env); err != nil {
		a.logf("reply %s to %s: %v", env.Type, connID, err)
	}
}

func (a *App) sendDM(worldID string, env protocol.Envelope) {
	if !a.Registry.HasDM(worldID) {
		return
	}
	if err := a.Registry.SendToDM(worldID, env); err != nil {
		a.logf("send %s to dm of %s: %v", env.Type, worldID, err)
	}
}

func decode[T any](raw []byte) (T, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, &protocol.ValidationError{Reason: err.Error()}
	}
	return m, nil
}

func (a *App) state(worldID string) (*worldstate.State, error) {
	st, ok := a.States.Get(worldID)
	if !ok {
		return nil, fault.New(protocol.CodeInvalidState, "world has no active session")
	}
	return st, nil
}

// actingPC resolves the PC a message acts for. Players always act for their
// own PC; the DM must name one.
func (a *App) actingPC(ctx context.Context, c session.Conn, requested string) (domain.PlayerCharacter, error) {
	pcID := requested
	if c.Role == domain.RolePlayer {
		if requested != "" && requested != c.PcID {
			return domain.PlayerCharacter{}, fault.New(protocol.CodeUnauthorized, "players may only act for their own pc")
		}
		pcID = c.PcID
	}
	if pcID == "" {
		return domain.PlayerCharacter{}, &protocol.ValidationError{Reason: "pc_id is required"}
	}
	return resolvePC(ctx, a.Repo, c.WorldID, pcID)
}

func (a *App) joinWorld(ctx context.Context, connID string, raw []byte) error {
	m, err := decode[protocol.JoinWorldMsg](raw)
	if err != nil {
		return err
	}
	if want, ok := a.identity(connID); ok && want != m.UserID {
		return fault.New(protocol.CodeUnauthorized, "user_id does not match the authenticated user")
	}
	role := domain.Role(m.Role)
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	w, st, err := ResolveWorld(ctx, a.Repo, a.States, m.WorldID)
	if err != nil {
		return err
	}
	pcID := ""
	if role == domain.RolePlayer && m.PcID != "" {
		pc, err := resolvePC(ctx, a.Repo, w.ID, m.PcID)
		if err != nil {
			return err
		}
		if pc.UserID != "" && pc.UserID != m.UserID {
			return fault.New(protocol.CodeUnauthorized, "pc belongs to another user")
		}
		pcID = pc.ID
	}
	res, err := a.Registry.Join(connID, w.ID, role, m.UserID, pcID)
	if err != nil {
		return err
	}
	a.reply(connID, protocol.New(protocol.TypeWorldJoined, protocol.WorldJoinedMsg{
		WorldID:        w.ID,
		WorldName:      w.Name,
		Role:           string(role),
		GameTime:       st.GameTime(),
		ConnectedUsers: res.Users,
		PcID:           pcID,
	}))
	a.Registry.BroadcastExcept(w.ID, m.UserID, protocol.New(protocol.TypeUserJoined, protocol.UserJoinedMsg{
		UserID: m.UserID, Role: string(role), PcID: pcID,
	}))
	return nil
}

func (a *App) leaveWorld(c session.Conn) error {
	res, err := a.Registry.Unbind(c.ID)
	if err != nil {
		return err
	}
	a.left(res)
	return nil
}

func (a *App) playerAction(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.PlayerActionMsg](raw)
	if err != nil {
		return err
	}
	pcID := ""
	if c.Role == domain.RolePlayer || m.PcID != "" {
		pc, err := a.actingPC(ctx, c, m.PcID)
		if err != nil {
			return err
		}
		pcID = pc.ID
	}
	it, err := a.Pipeline.SubmitAction(ctx, queue.PlayerActionPayload{
		WorldID:    c.WorldID,
		PcID:       pcID,
		UserID:     c.UserID,
		ActionType: m.ActionType,
		Target:     m.Target,
		Dialogue:   m.Dialogue,
	})
	if err != nil {
		return err
	}
	a.reply(c.ID, protocol.New(protocol.TypeActionReceived, protocol.ActionReceivedMsg{
		ActionID: it.CorrelationID, PcID: pcID, ActionType: m.ActionType,
	}))
	return nil
}

func (a *App) moveRequest(c session.Conn, st *worldstate.State, pcID string) movement.Request {
	return movement.Request{
		PcID:            pcID,
		ActorID:         c.UserID,
		GameTime:        st.GameTime(),
		RequireApproval: a.Config.Staging.RequireDMApproval && a.Registry.HasDM(c.WorldID),
	}
}

func (a *App) moveToRegion(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.MoveToRegionMsg](raw)
	if err != nil {
		return err
	}
	pc, err := a.actingPC(ctx, c, m.PcID)
	if err != nil {
		return err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	res, err := a.Movement.MoveToRegion(ctx, a.moveRequest(c, st, pc.ID), m.RegionID)
	if err != nil {
		return err
	}
	return a.arrived(ctx, c.WorldID, res)
}

func (a *App) exitToLocation(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.ExitToLocationMsg](raw)
	if err != nil {
		return err
	}
	pc, err := a.actingPC(ctx, c, m.PcID)
	if err != nil {
		return err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	res, err := a.Movement.ExitToLocation(ctx, a.moveRequest(c, st, pc.ID), m.LocationID, m.ArrivalRegionID)
	if err != nil {
		return err
	}
	return a.arrived(ctx, c.WorldID, res)
}

// arrived presents a move and, when the PC actually moved, checks for
// narrative events the new position fires. The move is already committed, so
// presentation failures are logged rather than reported as a rejection.
func (a *App) arrived(ctx context.Context, worldID string, res movement.Result) error {
	if err := a.Pipeline.PresentMove(ctx, worldID, res); err != nil {
		a.logf("present move of %s: %v", res.PC.ID, err)
	}
	if res.Kind != movement.Blocked {
		a.Pipeline.CheckNarrative(ctx, worldID, res.PC.ID, "")
	}
	return nil
}

func (a *App) respondToApproval(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.RespondToApprovalMsg](raw)
	if err != nil {
		return err
	}
	_, err = a.Pipeline.Decide(ctx, queue.ApprovalDecision{
		WorldID:    c.WorldID,
		ApprovalID: m.ApprovalID,
		DecidedBy:  c.UserID,
		Kind:       m.Decision.Kind,
		Text:       m.Decision.Text,
		Guidance:   m.Decision.Guidance,
	})
	return err
}

func (a *App) selectBranch(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.SelectBranchMsg](raw)
	if err != nil {
		return err
	}
	_, err = a.Pipeline.Decide(ctx, queue.ApprovalDecision{
		WorldID:    c.WorldID,
		ApprovalID: m.ApprovalID,
		DecidedBy:  c.UserID,
		Kind:       protocol.DecisionSelectBranch,
		BranchID:   m.BranchID,
		Text:       m.Text,
	})
	return err
}

func (a *App) triggerChallenge(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.TriggerChallengeMsg](raw)
	if err != nil {
		return err
	}
	pc, err := resolvePC(ctx, a.Repo, c.WorldID, m.PcID)
	if err != nil {
		return err
	}
	res, err := a.Challenges.Start(ctx, m.ChallengeID, pc.ID)
	if err != nil {
		return err
	}
	prompt := protocol.New(protocol.TypeChallengePrompt, protocol.ChallengePromptMsg{
		ResolutionID:  res.ID,
		ChallengeID:   res.ChallengeID,
		ChallengeName: res.ChallengeName,
		SkillName:     res.SkillName,
		Dice:          res.Dice,
		Modifier:      res.Modifier,
	})
	if err := a.Registry.SendToPlayer(c.WorldID, pc.ID, prompt); err != nil {
		a.Challenges.Abandon(pc.ID)
		return err
	}
	a.reply(c.ID, prompt)
	return nil
}

func (a *App) submitChallengeRoll(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.SubmitChallengeRollMsg](raw)
	if err != nil {
		return err
	}
	res, ok := a.Challenges.Open(m.ResolutionID)
	if !ok || res.WorldID != c.WorldID {
		return fmt.Errorf("%w: %s", challenge.ErrResolutionNotFound, m.ResolutionID)
	}
	if c.Role == domain.RolePlayer && res.PcID != c.PcID {
		return fault.New(protocol.CodeUnauthorized, "resolution belongs to another pc")
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	rr, err := a.Challenges.SubmitRoll(ctx, res.ID, challenge.RollInput{Roll: m.Roll, Formula: m.Formula})
	if err != nil {
		return err
	}
	submitted := protocol.New(protocol.TypeChallengeRollSubmitted, protocol.ChallengeRollSubmittedMsg{
		ResolutionID: res.ID,
		ChallengeID:  res.ChallengeID,
		PcID:         res.PcID,
		Roll:         rr.Natural,
		Modifier:     rr.Modifier,
		Total:        rr.Total,
		Outcome:      string(rr.Outcome),
		Description:  rr.Description,
	})
	a.reply(c.ID, submitted)
	if c.Role != domain.RoleDM {
		a.sendDM(c.WorldID, submitted)
	}
	appr, ok := st.Approval(rr.ApprovalID)
	if !ok {
		return nil
	}
	return a.Pipeline.Offer(ctx, appr)
}

func (a *App) triggerNarrative(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.TriggerNarrativeMsg](raw)
	if err != nil {
		return err
	}
	ev, err := a.Repo.GetNarrativeEvent(ctx, m.EventID)
	if err != nil {
		return err
	}
	if ev.WorldID != c.WorldID {
		return fmt.Errorf("event %s: %w", m.EventID, repo.ErrNotFound)
	}
	if m.PcID != "" {
		if _, err := resolvePC(ctx, a.Repo, c.WorldID, m.PcID); err != nil {
			return err
		}
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	match, err := a.Narrative.Trigger(ctx, ev.ID, m.PcID)
	if err != nil {
		return err
	}
	appr, ok := st.Approval(match.ApprovalID)
	if !ok {
		return nil
	}
	return a.Pipeline.Offer(ctx, appr)
}

func stagedNpcs(in []protocol.StagedNpcInput) []domain.StagedNpc {
	out := make([]domain.StagedNpc, 0, len(in))
	for _, n := range in {
		out = append(out, domain.StagedNpc{
			CharacterID:         n.CharacterID,
			IsPresent:           n.IsPresent,
			IsHiddenFromPlayers: n.IsHiddenFromPlayers,
			Reasoning:           n.Reasoning,
		})
	}
	return out
}

func (a *App) approveStaging(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.ApproveStagingMsg](raw)
	if err != nil {
		return err
	}
	if _, err := resolveRegion(ctx, a.Repo, c.WorldID, m.RegionID); err != nil {
		return err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	_, err = a.Pipeline.ApproveStaging(ctx, c.WorldID, m.RequestID, staging.ApproveRequest{
		RegionID:   m.RegionID,
		Npcs:       stagedNpcs(m.Npcs),
		TTLHours:   m.TTLHours,
		Guidance:   m.Guidance,
		Source:     domain.StagingSource(m.Source),
		ApprovedBy: c.UserID,
		GameTime:   st.GameTime(),
	})
	return err
}

func (a *App) regenerateStaging(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.RegenerateStagingMsg](raw)
	if err != nil {
		return err
	}
	if _, err := resolveRegion(ctx, a.Repo, c.WorldID, m.RegionID); err != nil {
		return err
	}
	_, err = a.Pipeline.RequestStagingSuggestions(ctx, c.WorldID, m.RegionID, m.RequestID, m.Guidance)
	return err
}

func (a *App) preStageRegion(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.PreStageRegionMsg](raw)
	if err != nil {
		return err
	}
	if _, err := resolveRegion(ctx, a.Repo, c.WorldID, m.RegionID); err != nil {
		return err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	entry, err := a.Staging.PreStage(ctx, staging.ApproveRequest{
		RegionID:   m.RegionID,
		Npcs:       stagedNpcs(m.Npcs),
		TTLHours:   m.TTLHours,
		ApprovedBy: c.UserID,
		GameTime:   st.GameTime(),
	})
	if err != nil {
		return err
	}
	a.reply(c.ID, protocol.New(protocol.TypeStagingReady, protocol.StagingReadyMsg{RegionID: entry.RegionID, Staging: entry}))
	return nil
}

func (a *App) directorialUpdate(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.DirectorialUpdateMsg](raw)
	if err != nil {
		return err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	st.SetDirectorial(m.Notes)
	return nil
}

func (a *App) advanceGameTime(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.AdvanceGameTimeMsg](raw)
	if err != nil {
		return err
	}
	st, err := a.state(c.WorldID)
	if err != nil {
		return err
	}
	prev, next := st.AdvanceGameTime(time.Duration(m.Hours) * time.Hour)
	if err := a.Engine.SetGameTime(ctx, c.WorldID, next, c.UserID); err != nil {
		st.SetGameTime(prev)
		return err
	}
	a.Registry.Broadcast(c.WorldID, protocol.New(protocol.TypeGameTimeAdvanced, protocol.GameTimeAdvancedMsg{
		Previous: prev, GameTime: next, Hours: m.Hours,
	}))
	return nil
}

func (a *App) requestAsset(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.RequestAssetMsg](raw)
	if err != nil {
		return err
	}
	_, err = a.Pipeline.RequestAsset(ctx, queue.AssetRequest{
		WorldID:     c.WorldID,
		EntityType:  m.EntityType,
		EntityID:    m.EntityID,
		Prompt:      m.Prompt,
		RequestedBy: c.UserID,
	})
	return err
}

func (a *App) requestQueueStatus(ctx context.Context, c session.Conn, raw []byte) error {
	msg, err := a.QueueStatus(ctx, c.WorldID)
	if err != nil {
		return err
	}
	a.reply(c.ID, protocol.New(protocol.TypeQueueStatus, msg))
	return nil
}

// cancelRequest drops queued work and parked approvals sharing a correlation
// id, then reports the new queue status.
func (a *App) cancelRequest(ctx context.Context, c session.Conn, raw []byte) error {
	m, err := decode[protocol.CancelRequestMsg](raw)
	if err != nil {
		return err
	}
	n, err := a.Queues.Cancel(ctx, c.WorldID, m.CorrelationID)
	if err != nil {
		return err
	}
	if st, ok := a.States.Get(c.WorldID); ok {
		n += len(st.TakeApprovalsByCorrelation(m.CorrelationID))
	}
	a.logf("cancelled %d items for %s", n, m.CorrelationID)
	return a.requestQueueStatus(ctx, c, raw)
}

// QueueStatus counts every queue's items by status along with the world's
// parked approvals.
func (a *App) QueueStatus(ctx context.Context, worldID string) (protocol.QueueStatusMsg, error) {
	stats, err := a.Queues.Stats(ctx)
	if err != nil {
		return protocol.QueueStatusMsg{}, err
	}
	msg := protocol.QueueStatusMsg{Queues: make(map[string]protocol.QueueCounts, len(stats))}
	for name, s := range stats {
		msg.Queues[string(name)] = protocol.QueueCounts{
			Pending:    s.Pending,
			InProgress: s.InProgress,
			Completed:  s.Completed,
			Failed:     s.Failed,
			Delayed:    s.Delayed,
			Expired:    s.Expired,
		}
	}
	if st, ok := a.States.Get(worldID); ok {
		msg.PendingApprovals = len(st.Approvals())
	}
	return msg, nil
}
