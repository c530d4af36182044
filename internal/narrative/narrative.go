// Package narrative evaluates narrative event triggers and applies the
// DM-approved outcome of a fired event.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loreline/internal/domain"
	"loreline/internal/effects"
	"loreline/internal/engine"
	"loreline/internal/protocol"
	"loreline/internal/repo"
	"loreline/internal/worldstate"
)

var (
	ErrInactive          = errors.New("narrative event is not active")
	ErrNoOutcomes        = errors.New("narrative event has no outcomes")
	ErrWorldNotActive    = errors.New("world has no active session")
	ErrBranchNotFound    = errors.New("branch not found")
	ErrWrongApprovalKind = errors.New("approval is not a narrative event")
)

// Match is a fired event parked for DM approval.
type Match struct {
	Event      domain.NarrativeEvent `json:"event"`
	PcID       string                `json:"pc_id,omitempty"`
	Matched    []string              `json:"matched,omitempty"`
	Manual     bool                  `json:"manual,omitempty"`
	ApprovalID string                `json:"approval_id"`
	ExpiresAt  time.Time             `json:"expires_at"`
}

// Triggered is an approved event with its effect report.
type Triggered struct {
	Match
	Outcome     string         `json:"outcome"`
	Description string         `json:"description"`
	Rejected    bool           `json:"rejected,omitempty"`
	Report      effects.Report `json:"report"`
}

type Service struct {
	Repo            repo.Repo
	Engine          engine.Engine
	Effects         effects.Executor
	States          *worldstate.Manager
	ApprovalTimeout time.Duration
	Now             func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) state(worldID string) (*worldstate.State, error) {
	st, ok := s.States.Get(worldID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorldNotActive, worldID)
	}
	return st, nil
}

// Facts gathers the trigger facts for a PC. dialogue is the text that prompted
// the check, if any.
func (s *Service) Facts(ctx context.Context, worldID, pcID, dialogue string) (Facts, error) {
	f := Facts{PcID: pcID, Dialogue: dialogue, Inventory: map[string]int{}}
	var err error
	if pcID != "" {
		pc, err := s.Repo.GetPC(ctx, pcID)
		if err != nil {
			return Facts{}, err
		}
		f.LocationID = pc.LocationID
		items, err := s.Repo.Inventory(ctx, pcID)
		if err != nil {
			return Facts{}, err
		}
		for _, it := range items {
			f.Inventory[it.ItemID] = it.Quantity
		}
		if f.ChallengeResults, err = s.Repo.ChallengeResults(ctx, pcID); err != nil {
			return Facts{}, err
		}
	}
	if f.Flags, err = s.Repo.Flags(ctx, worldID, pcID); err != nil {
		return Facts{}, err
	}
	if f.CompletedEvents, err = s.Repo.CompletedEvents(ctx, worldID); err != nil {
		return Facts{}, err
	}
	if st, ok := s.States.Get(worldID); ok {
		f.Turns = st.Turns()
	}
	return f, nil
}

// Check evaluates every active event for a PC and parks each one that fires,
// highest priority first. Events already awaiting a decision are skipped.
func (s *Service) Check(ctx context.Context, worldID, pcID, dialogue string) ([]Match, error) {
	st, err := s.state(worldID)
	if err != nil {
		return nil, err
	}
	f, err := s.Facts(ctx, worldID, pcID, dialogue)
	if err != nil {
		return nil, err
	}
	evts, err := s.Repo.ListActiveEvents(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, e := range evts {
		if len(e.Outcomes) == 0 || pendingFor(st, e.ID) {
			continue
		}
		ev := Evaluate(e, f)
		if !ev.Fired {
			continue
		}
		out = append(out, s.park(st, Match{Event: e, PcID: pcID, Matched: ev.Matched}))
	}
	return out, nil
}

// Trigger parks an event on the DM's request without evaluating triggers.
func (s *Service) Trigger(ctx context.Context, eventID, pcID string) (Match, error) {
	e, err := s.Repo.GetNarrativeEvent(ctx, eventID)
	if err != nil {
		return Match{}, err
	}
	if !e.Active {
		return Match{}, fmt.Errorf("%w: %s", ErrInactive, e.ID)
	}
	if len(e.Outcomes) == 0 {
		return Match{}, fmt.Errorf("%w: %s", ErrNoOutcomes, e.ID)
	}
	st, err := s.state(e.WorldID)
	if err != nil {
		return Match{}, err
	}
	return s.park(st, Match{Event: e, PcID: pcID, Manual: true}), nil
}

func pendingFor(st *worldstate.State, eventID string) bool {
	for _, a := range st.Approvals() {
		if a.Kind == worldstate.ApprovalNarrative && a.CorrelationID == eventID {
			return true
		}
	}
	return false
}

func (s *Service) park(st *worldstate.State, m Match) Match {
	now := s.now()
	m.ApprovalID = uuid.NewString()
	m.ExpiresAt = now.Add(s.ApprovalTimeout)
	branches := make([]protocol.Branch, 0, len(m.Event.Outcomes))
	for _, o := range m.Event.Outcomes {
		title := o.Label
		if title == "" {
			title = o.Name
		}
		branches = append(branches, protocol.Branch{ID: o.Name, Title: title, Description: o.Description})
	}
	st.AddApproval(worldstate.PendingApproval{
		ID:            m.ApprovalID,
		Kind:          worldstate.ApprovalNarrative,
		WorldID:       m.Event.WorldID,
		PcID:          m.PcID,
		CorrelationID: m.Event.ID,
		ProposedText:  m.Event.Outcomes[0].Description,
		Branches:      branches,
		CreatedAt:     now,
		ExpiresAt:     m.ExpiresAt,
		Detail:        m,
	})
	return m
}

// Accept applies the event's first outcome.
func (s *Service) Accept(ctx context.Context, worldID, approvalID, actorID string) (Triggered, error) {
	return s.finish(ctx, worldID, approvalID, actorID, func(a worldstate.PendingApproval, m Match) (domain.EventOutcome, string, error) {
		return m.Event.Outcomes[0], a.ProposedText, nil
	})
}

// Edit applies the first outcome with a replacement description.
func (s *Service) Edit(ctx context.Context, worldID, approvalID, text, actorID string) (Triggered, error) {
	return s.finish(ctx, worldID, approvalID, actorID, func(_ worldstate.PendingApproval, m Match) (domain.EventOutcome, string, error) {
		return m.Event.Outcomes[0], text, nil
	})
}

// SelectBranch applies the outcome named by branchID. Model-suggested
// branches carry only phrasing and apply the first outcome's effects.
func (s *Service) SelectBranch(ctx context.Context, worldID, approvalID, branchID, text, actorID string) (Triggered, error) {
	return s.finish(ctx, worldID, approvalID, actorID, func(a worldstate.PendingApproval, m Match) (domain.EventOutcome, string, error) {
		var branch *protocol.Branch
		for i := range a.Branches {
			if a.Branches[i].ID == branchID {
				branch = &a.Branches[i]
				break
			}
		}
		if branch == nil {
			return domain.EventOutcome{}, "", fmt.Errorf("%w: %s", ErrBranchNotFound, branchID)
		}
		outcome := m.Event.Outcomes[0]
		for _, o := range m.Event.Outcomes {
			if o.Name == branchID {
				outcome = o
				break
			}
		}
		if text == "" {
			text = branch.Description
		}
		return outcome, text, nil
	})
}

// Reject drops the event; it stays active and may fire again.
func (s *Service) Reject(worldID, approvalID string) (Triggered, error) {
	st, err := s.state(worldID)
	if err != nil {
		return Triggered{}, err
	}
	a, err := st.TakeApproval(approvalID)
	if err != nil {
		return Triggered{}, err
	}
	m, _ := a.Detail.(Match)
	return Triggered{Match: m, Rejected: true}, nil
}

func (s *Service) finish(ctx context.Context, worldID, approvalID, actorID string, choose func(worldstate.PendingApproval, Match) (domain.EventOutcome, string, error)) (Triggered, error) {
	st, err := s.state(worldID)
	if err != nil {
		return Triggered{}, err
	}
	a, ok := st.Approval(approvalID)
	if !ok {
		return Triggered{}, worldstate.ErrApprovalNotFound
	}
	m, ok := a.Detail.(Match)
	if !ok {
		return Triggered{}, ErrWrongApprovalKind
	}
	outcome, desc, err := choose(a, m)
	if err != nil {
		return Triggered{}, err
	}
	if _, err := st.TakeApproval(approvalID); err != nil {
		return Triggered{}, err
	}
	if err := s.Engine.MarkEventTriggered(ctx, m.Event.WorldID, m.Event.ID, outcome.Name, actorID); err != nil {
		return Triggered{}, err
	}
	rep := s.Effects.Apply(ctx, m.Event.WorldID, m.PcID, actorID, outcome.Effects)
	return Triggered{Match: m, Outcome: outcome.Name, Description: desc, Report: rep}, nil
}
