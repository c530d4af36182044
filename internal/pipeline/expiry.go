package pipeline

import (
	"context"

	"loreline/internal/protocol"
	"loreline/internal/worldstate"
)

// ExpireApprovals drops approvals past their deadline and reports each one
// to the DM and the affected player. It returns how many expired.
func (p *Pipeline) ExpireApprovals(ctx context.Context) int {
	now := p.now()
	var expired []worldstate.PendingApproval
	p.States.Each(func(st *worldstate.State) {
		expired = append(expired, st.ExpireApprovals(now)...)
	})
	for _, a := range expired {
		env := protocol.New(protocol.TypeApprovalExpired, protocol.ApprovalExpiredMsg{ApprovalID: a.ID, Kind: string(a.Kind), PcID: a.PcID})
		p.sendDM(a.WorldID, env)
		if a.PcID != "" {
			p.sendPlayer(a.WorldID, a.PcID, env)
		}
		if _, err := p.Queues.Cancel(ctx, a.WorldID, a.ID); err != nil {
			p.logf("cancel work for expired %s: %v", a.ID, err)
		}
		p.logf("approval %s (%s) expired", a.ID, a.Kind)
	}
	return len(expired)
}

// ExpireStaging closes staging requests the DM did not answer in time.
func (p *Pipeline) ExpireStaging(ctx context.Context) int {
	if p.Pending == nil {
		return 0
	}
	expired := p.Pending.Expired(p.now())
	for _, req := range expired {
		if p.Config.Staging.AutoApproveOnTimeout {
			if err := p.approveRuleBased(ctx, req); err != nil {
				p.logf("auto-approve %s: %v", req.RegionID, err)
			}
			continue
		}
		for _, pcID := range req.WaitingPcs {
			p.sendPlayer(req.WorldID, pcID, protocol.New(protocol.TypeStagingTimedOut, protocol.StagingTimedOutMsg{
				RegionID: req.RegionID, PcID: pcID,
			}))
		}
	}
	return len(expired)
}
