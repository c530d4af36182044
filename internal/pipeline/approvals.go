package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"loreline/internal/challenge"
	"loreline/internal/fault"
	"loreline/internal/llm"
	"loreline/internal/narrative"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/worldstate"
)

var ErrUnknownDecision = errors.New("unknown decision kind")

const outcomeSystemPrompt = `You help a game master phrase the outcome of a moment in a shared story.
Offer three short alternative outcomes, one per line, numbered 1. 2. 3.`

var numbered = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s*(.+)$`)

// dialogueDetail is the Detail of a dialogue approval.
type dialogueDetail struct {
	Speaker      string
	ActionItemID string
}

// Decide validates a decision against the pending set and queues it.
func (p *Pipeline) Decide(ctx context.Context, d queue.ApprovalDecision) (queue.Item, error) {
	switch d.Kind {
	case protocol.DecisionAccept, protocol.DecisionEdit, protocol.DecisionSuggest,
		protocol.DecisionReject, protocol.DecisionSelectBranch:
	default:
		return queue.Item{}, fault.WithCode(protocol.CodeValidationFailed, fmt.Errorf("%w: %q", ErrUnknownDecision, d.Kind))
	}
	if d.Kind == protocol.DecisionEdit && strings.TrimSpace(d.Text) == "" {
		return queue.Item{}, fault.New(protocol.CodeValidationFailed, "edit requires text")
	}
	if d.Kind == protocol.DecisionSelectBranch && d.BranchID == "" {
		return queue.Item{}, fault.New(protocol.CodeValidationFailed, "select_branch requires branch_id")
	}
	st, ok := p.state(d.WorldID)
	if !ok {
		return queue.Item{}, fault.New(protocol.CodeInvalidState, "world has no active session")
	}
	if _, ok := st.Approval(d.ApprovalID); !ok {
		return queue.Item{}, worldstate.ErrApprovalNotFound
	}
	return p.enqueue(ctx, queue.Approval, queue.NewItem{
		WorldID:       d.WorldID,
		CorrelationID: d.ApprovalID,
		Priority:      1,
		Payload:       queue.ApprovalPayload{Kind: queue.ApprovalPayloadDecision, Decision: &d},
	})
}

// Offer hands a parked approval to the DM. Without a reachable DM the
// approval is accepted by the system so play is not blocked.
func (p *Pipeline) Offer(ctx context.Context, a worldstate.PendingApproval) error {
	if p.Out.HasDM(a.WorldID) {
		err := p.Out.SendToDM(a.WorldID, protocol.New(protocol.TypeApprovalRequired, protocol.ApprovalRequiredMsg{
			ApprovalID:   a.ID,
			Kind:         string(a.Kind),
			PcID:         a.PcID,
			ProposedText: a.ProposedText,
			Branches:     a.Branches,
			ExpiresAt:    a.ExpiresAt,
		}))
		if err == nil {
			return nil
		}
		p.logf("offer %s to dm: %v", a.ID, err)
	}
	_, err := p.Decide(ctx, queue.ApprovalDecision{
		WorldID:    a.WorldID,
		ApprovalID: a.ID,
		DecidedBy:  systemActor,
		Kind:       protocol.DecisionAccept,
	})
	return err
}

func (p *Pipeline) handleApproval(ctx context.Context, it queue.Item) error {
	var ap queue.ApprovalPayload
	if err := it.Decode(&ap); err != nil {
		return err
	}
	switch {
	case ap.Kind == queue.ApprovalPayloadRequest && ap.Request != nil:
		return p.park(ctx, it, *ap.Request)
	case ap.Kind == queue.ApprovalPayloadDecision && ap.Decision != nil:
		err := p.apply(ctx, *ap.Decision)
		var retry *queue.RetryError
		if err != nil && !errors.As(err, &retry) && ap.Decision.DecidedBy != systemActor {
			if sendErr := p.Out.SendToDM(ap.Decision.WorldID, fault.Envelope(err)); sendErr != nil {
				p.logf("report decision error: %v", sendErr)
			}
		}
		return err
	}
	return fmt.Errorf("malformed approval payload %q", ap.Kind)
}

// park adds generated dialogue to the pending set and offers it.
func (p *Pipeline) park(ctx context.Context, it queue.Item, r queue.ApprovalRequest) error {
	st, ok := p.state(r.WorldID)
	if !ok {
		p.logf("dropping approval for inactive world %s", r.WorldID)
		return nil
	}
	if p.Queues.Cancelled(r.WorldID, it.CorrelationID) {
		p.logf("dropping approval for cancelled %s", it.CorrelationID)
		return nil
	}
	now := p.now()
	a := worldstate.PendingApproval{
		ID:            uuid.NewString(),
		Kind:          worldstate.ApprovalDialogue,
		WorldID:       r.WorldID,
		PcID:          r.PcID,
		CorrelationID: it.CorrelationID,
		ProposedText:  r.ProposedText,
		CreatedAt:     now,
		ExpiresAt:     now.Add(p.Config.Approvals.Timeout),
		Detail:        dialogueDetail{Speaker: r.Speaker, ActionItemID: r.ActionItemID},
	}
	st.AddApproval(a)
	return p.Offer(ctx, a)
}

// apply executes a queued decision.
func (p *Pipeline) apply(ctx context.Context, d queue.ApprovalDecision) error {
	st, ok := p.state(d.WorldID)
	if !ok {
		return fault.New(protocol.CodeInvalidState, "world has no active session")
	}
	a, ok := st.Approval(d.ApprovalID)
	if !ok {
		return worldstate.ErrApprovalNotFound
	}
	if d.Kind == protocol.DecisionSuggest {
		_, err := p.enqueue(ctx, queue.Reasoning, queue.NewItem{
			WorldID:       d.WorldID,
			CorrelationID: a.ID,
			Priority:      1,
			Payload: queue.ReasoningRequest{
				Kind:         queue.ReasonOutcomeSuggestion,
				ApprovalID:   a.ID,
				WorldID:      d.WorldID,
				PcID:         a.PcID,
				Guidance:     d.Guidance,
				ProposedText: a.ProposedText,
			},
		})
		if err != nil {
			return queue.Retry(err, retryAfter)
		}
		return nil
	}
	var err error
	switch a.Kind {
	case worldstate.ApprovalDialogue:
		err = p.decideDialogue(st, a, d)
	case worldstate.ApprovalChallenge:
		err = p.decideChallenge(ctx, d)
	case worldstate.ApprovalNarrative:
		err = p.decideNarrative(ctx, d)
	default:
		err = fmt.Errorf("unknown approval kind %q", a.Kind)
	}
	if err != nil {
		return err
	}
	if _, err := p.Queues.Cancel(ctx, a.WorldID, a.ID); err != nil {
		p.logf("cancel work for %s: %v", a.ID, err)
	}
	return nil
}

func (p *Pipeline) decideDialogue(st *worldstate.State, a worldstate.PendingApproval, d queue.ApprovalDecision) error {
	text := a.ProposedText
	switch d.Kind {
	case protocol.DecisionEdit:
		text = d.Text
	case protocol.DecisionSelectBranch:
		b, ok := branch(a.Branches, d.BranchID)
		if !ok {
			return fault.WithCode(protocol.CodeNotFound, fmt.Errorf("branch %s not found", d.BranchID))
		}
		text = b.Description
		if d.Text != "" {
			text = d.Text
		}
	}
	if _, err := st.TakeApproval(a.ID); err != nil {
		return err
	}
	if d.Kind == protocol.DecisionReject {
		p.logf("dialogue %s rejected by %s", a.ID, d.DecidedBy)
		return nil
	}
	detail, _ := a.Detail.(dialogueDetail)
	speaker := detail.Speaker
	if speaker == "" {
		speaker = narratorSpeaker
	}
	p.deliverDialogue(a.WorldID, a.PcID, speaker, text)
	return nil
}

func (p *Pipeline) decideChallenge(ctx context.Context, d queue.ApprovalDecision) error {
	var (
		res challenge.Resolved
		err error
	)
	switch d.Kind {
	case protocol.DecisionAccept:
		res, err = p.Challenges.Accept(ctx, d.WorldID, d.ApprovalID, d.DecidedBy)
	case protocol.DecisionEdit:
		res, err = p.Challenges.Edit(ctx, d.WorldID, d.ApprovalID, d.Text, d.DecidedBy)
	case protocol.DecisionSelectBranch:
		res, err = p.Challenges.SelectBranch(ctx, d.WorldID, d.ApprovalID, d.BranchID, d.Text, d.DecidedBy)
	case protocol.DecisionReject:
		res, err = p.Challenges.Reject(d.WorldID, d.ApprovalID)
	}
	if err != nil {
		return err
	}
	if res.Rejected {
		p.logf("challenge %s outcome rejected by %s", res.Resolution.ChallengeID, d.DecidedBy)
		return nil
	}
	r := res.Resolution
	p.Out.Broadcast(d.WorldID, protocol.New(protocol.TypeChallengeResolved, protocol.ChallengeResolvedMsg{
		ResolutionID: r.ID,
		ChallengeID:  r.ChallengeID,
		PcID:         r.PcID,
		Roll:         res.Natural,
		Modifier:     res.Modifier,
		Total:        res.Total,
		Outcome:      string(res.Outcome),
		Description:  res.Description,
		EffectsOK:    res.Report.Applied,
		EffectsFail:  res.Report.Failed,
	}))
	if res.Report.SceneID != "" {
		p.refreshScenes(ctx, d.WorldID, res.Report.SceneID)
	}
	return nil
}

func (p *Pipeline) decideNarrative(ctx context.Context, d queue.ApprovalDecision) error {
	var (
		res narrative.Triggered
		err error
	)
	switch d.Kind {
	case protocol.DecisionAccept:
		res, err = p.Narrative.Accept(ctx, d.WorldID, d.ApprovalID, d.DecidedBy)
	case protocol.DecisionEdit:
		res, err = p.Narrative.Edit(ctx, d.WorldID, d.ApprovalID, d.Text, d.DecidedBy)
	case protocol.DecisionSelectBranch:
		res, err = p.Narrative.SelectBranch(ctx, d.WorldID, d.ApprovalID, d.BranchID, d.Text, d.DecidedBy)
	case protocol.DecisionReject:
		res, err = p.Narrative.Reject(d.WorldID, d.ApprovalID)
	}
	if err != nil {
		return err
	}
	if res.Rejected {
		p.logf("event %s rejected by %s", res.Event.ID, d.DecidedBy)
		return nil
	}
	p.Out.Broadcast(d.WorldID, protocol.New(protocol.TypeNarrativeEventTriggered, protocol.NarrativeEventTriggeredMsg{
		EventID:     res.Event.ID,
		EventName:   res.Event.Name,
		Outcome:     res.Outcome,
		Description: res.Description,
		EffectsOK:   res.Report.Applied,
		EffectsFail: res.Report.Failed,
	}))
	if res.Report.SceneID != "" {
		p.refreshScenes(ctx, d.WorldID, res.Report.SceneID)
	}
	return nil
}

// reasonOutcome asks the model for alternative phrasings of a pending
// approval and attaches them as branches.
func (p *Pipeline) reasonOutcome(ctx context.Context, r queue.ReasoningRequest) error {
	if p.Reasoner == nil {
		return llm.ErrUnavailable
	}
	st, ok := p.state(r.WorldID)
	if !ok {
		return nil
	}
	if _, ok := st.Approval(r.ApprovalID); !ok {
		p.logf("approval %s decided before suggestions arrived", r.ApprovalID)
		return nil
	}
	var b strings.Builder
	writeNotes(&b, st.Directorial())
	fmt.Fprintf(&b, "Proposed outcome: %s\n", r.ProposedText)
	if r.Guidance != "" {
		fmt.Fprintf(&b, "DM guidance: %s\n", r.Guidance)
	}
	reply, err := p.Reasoner.Complete(ctx, llm.Request{Purpose: llm.PurposeOutcome, System: outcomeSystemPrompt, Prompt: b.String()})
	if err != nil {
		return err
	}
	suggestions := ParseSuggestions(reply)
	if len(suggestions) == 0 {
		return errors.New("no outcome suggestions in reply")
	}
	var added []protocol.Branch
	err = st.UpdateApproval(r.ApprovalID, func(a *worldstate.PendingApproval) {
		base := len(a.Branches)
		for i, s := range suggestions {
			br := protocol.Branch{ID: fmt.Sprintf("s%d", base+i+1), Title: fmt.Sprintf("Suggestion %d", base+i+1), Description: s}
			a.Branches = append(a.Branches, br)
			added = append(added, br)
		}
	})
	if err != nil {
		// decided while the model was answering
		return nil
	}
	err = p.Out.SendToDM(r.WorldID, protocol.New(protocol.TypeOutcomeSuggestionReady, protocol.OutcomeSuggestionReadyMsg{
		ApprovalID:  r.ApprovalID,
		Suggestions: suggestions,
		Branches:    added,
	}))
	if err != nil {
		p.logf("suggestions for %s kept on the approval: %v", r.ApprovalID, err)
	}
	return nil
}

// ParseSuggestions extracts list items from a model reply. Unnumbered text
// is taken whole as a single suggestion.
func ParseSuggestions(reply string) []string {
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		if m := numbered.FindStringSubmatch(line); m != nil {
			if s := strings.TrimSpace(m[1]); s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		if s := strings.TrimSpace(reply); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func branch(list []protocol.Branch, id string) (protocol.Branch, bool) {
	for _, b := range list {
		if b.ID == id {
			return b, true
		}
	}
	return protocol.Branch{}, false
}
