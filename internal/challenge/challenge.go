// Package challenge runs dice challenges from prompt to DM-approved outcome.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
	ErrResolutionNotFound = errors.New("challenge resolution not found")
	ErrInactive           = errors.New("challenge is not active")
	ErrWorldNotActive     = errors.New("world has no active session")
	ErrRollRequired       = errors.New("either a roll or a formula is required")
	ErrRollOutOfRange     = errors.New("roll out of range")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrWrongApprovalKind  = errors.New("approval is not a challenge outcome")
)

// Resolution is a started challenge awaiting the player's roll.
type Resolution struct {
	ID            string    `json:"id"`
	WorldID       string    `json:"world_id"`
	ChallengeID   string    `json:"challenge_id"`
	ChallengeName string    `json:"challenge_name"`
	PcID          string    `json:"pc_id"`
	SkillName     string    `json:"skill_name,omitempty"`
	Dice          string    `json:"dice"`
	Modifier      int       `json:"modifier"`
	CreatedAt     time.Time `json:"created_at"`
}

// RollResult is a classified roll waiting in the approval set.
type RollResult struct {
	Resolution  Resolution      `json:"resolution"`
	Rolls       []int           `json:"rolls,omitempty"`
	Natural     int             `json:"natural"`
	Modifier    int             `json:"modifier"`
	Total       int             `json:"total"`
	Outcome     OutcomeType     `json:"outcome"`
	Description string          `json:"description"`
	Effects     []domain.Effect `json:"effects,omitempty"`
	ApprovalID  string          `json:"approval_id"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Resolved is the final, DM-approved outcome.
type Resolved struct {
	RollResult
	Description string         `json:"description"`
	Rejected    bool           `json:"rejected,omitempty"`
	Report      effects.Report `json:"report"`
}

// RollInput carries a player-supplied roll or a formula for the server to roll.
type RollInput struct {
	Roll    *int
	Formula string
}

type Service struct {
	Repo            repo.Repo
	Engine          engine.Engine
	Effects         effects.Executor
	States          *worldstate.Manager
	Roller          Roller
	ApprovalTimeout time.Duration
	Now             func() time.Time

	mu   sync.Mutex
	open map[string]Resolution
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) roller() Roller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Roller == nil {
		s.Roller = NewRandRoller()
	}
	return s.Roller
}

// Start opens a resolution for pcID against an active challenge.
func (s *Service) Start(ctx context.Context, challengeID, pcID string) (Resolution, error) {
	ch, err := s.Repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return Resolution{}, err
	}
	if !ch.Active {
		return Resolution{}, fmt.Errorf("%w: %s", ErrInactive, ch.ID)
	}
	pc, err := s.Repo.GetPC(ctx, pcID)
	if err != nil {
		return Resolution{}, err
	}
	if pc.WorldID != ch.WorldID {
		return Resolution{}, fmt.Errorf("%w: pc %s", repo.ErrNotFound, pcID)
	}
	dice := ch.Dice
	if dice == "" {
		dice = DefaultDice(ch.Difficulty)
	}
	res := Resolution{
		ID:            uuid.NewString(),
		WorldID:       ch.WorldID,
		ChallengeID:   ch.ID,
		ChallengeName: ch.Name,
		PcID:          pc.ID,
		SkillName:     ch.SkillName,
		Dice:          dice,
		Modifier:      pc.Modifier(ch.SkillName),
		CreatedAt:     s.now(),
	}
	s.mu.Lock()
	if s.open == nil {
		s.open = map[string]Resolution{}
	}
	s.open[res.ID] = res
	s.mu.Unlock()
	return res, nil
}

// Open returns a resolution still awaiting its roll.
func (s *Service) Open(id string) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.open[id]
	return res, ok
}

// Abandon drops resolutions a PC has not rolled for yet.
func (s *Service) Abandon(pcID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, res := range s.open {
		if res.PcID == pcID {
			delete(s.open, id)
			n++
		}
	}
	return n
}

// SubmitRoll classifies a roll and parks the proposed outcome for DM approval.
func (s *Service) SubmitRoll(ctx context.Context, resolutionID string, in RollInput) (RollResult, error) {
	res, ok := s.Open(resolutionID)
	if !ok {
		return RollResult{}, fmt.Errorf("%w: %s", ErrResolutionNotFound, resolutionID)
	}
	st, ok := s.States.Get(res.WorldID)
	if !ok {
		return RollResult{}, fmt.Errorf("%w: %s", ErrWorldNotActive, res.WorldID)
	}
	ch, err := s.Repo.GetChallenge(ctx, res.ChallengeID)
	if err != nil {
		return RollResult{}, err
	}
	roll, rolls, err := s.resolveRoll(res, in)
	if err != nil {
		return RollResult{}, err
	}

	s.mu.Lock()
	_, still := s.open[resolutionID]
	delete(s.open, resolutionID)
	s.mu.Unlock()
	if !still {
		return RollResult{}, fmt.Errorf("%w: %s", ErrResolutionNotFound, resolutionID)
	}

	kind, outcome := SelectOutcome(ch.Outcomes, Classify(ch.Difficulty, ch.Outcomes, roll))
	now := s.now()
	result := RollResult{
		Resolution:  res,
		Rolls:       rolls,
		Natural:     roll.Natural,
		Modifier:    roll.Modifier,
		Total:       roll.Total(),
		Outcome:     kind,
		Description: outcome.Description,
		Effects:     outcome.Effects,
		ApprovalID:  uuid.NewString(),
		ExpiresAt:   now.Add(s.ApprovalTimeout),
	}
	st.AddApproval(worldstate.PendingApproval{
		ID:            result.ApprovalID,
		Kind:          worldstate.ApprovalChallenge,
		WorldID:       res.WorldID,
		PcID:          res.PcID,
		CorrelationID: res.ID,
		ProposedText:  outcome.Description,
		CreatedAt:     now,
		ExpiresAt:     result.ExpiresAt,
		Detail:        result,
	})
	return result, nil
}

func (s *Service) resolveRoll(res Resolution, in RollInput) (Roll, []int, error) {
	if in.Formula != "" {
		d, err := ParseDice(in.Formula)
		if err != nil {
			return Roll{}, nil, err
		}
		rolled := d.Roll(s.roller())
		r := Roll{Natural: rolled.Sum, Modifier: res.Modifier + d.Modifier}
		if d.Count == 1 {
			r.Sides = d.Sides
		}
		return r, rolled.Rolls, nil
	}
	if in.Roll == nil {
		return Roll{}, nil, ErrRollRequired
	}
	r := Roll{Natural: *in.Roll, Modifier: res.Modifier}
	if d, err := ParseDice(res.Dice); err == nil {
		if r.Natural < d.Count || r.Natural > d.Count*d.Sides {
			return Roll{}, nil, fmt.Errorf("%w: %d for %s", ErrRollOutOfRange, r.Natural, res.Dice)
		}
		if d.Count == 1 {
			r.Sides = d.Sides
		}
	}
	return r, nil, nil
}

// Pending returns the roll result behind a challenge approval.
func (s *Service) Pending(worldID, approvalID string) (RollResult, error) {
	st, ok := s.States.Get(worldID)
	if !ok {
		return RollResult{}, fmt.Errorf("%w: %s", ErrWorldNotActive, worldID)
	}
	a, ok := st.Approval(approvalID)
	if !ok {
		return RollResult{}, worldstate.ErrApprovalNotFound
	}
	rr, ok := a.Detail.(RollResult)
	if !ok {
		return RollResult{}, ErrWrongApprovalKind
	}
	return rr, nil
}

// Accept applies the computed outcome verbatim.
func (s *Service) Accept(ctx context.Context, worldID, approvalID, actorID string) (Resolved, error) {
	return s.finish(ctx, worldID, approvalID, actorID, func(a worldstate.PendingApproval) (string, error) {
		return a.ProposedText, nil
	})
}

// Edit applies the computed outcome with the DM's replacement description.
func (s *Service) Edit(ctx context.Context, worldID, approvalID, text, actorID string) (Resolved, error) {
	return s.finish(ctx, worldID, approvalID, actorID, func(worldstate.PendingApproval) (string, error) {
		return text, nil
	})
}

// SelectBranch applies the outcome described by one of the suggested branches.
// A non-empty text overrides the branch description.
func (s *Service) SelectBranch(ctx context.Context, worldID, approvalID, branchID, text, actorID string) (Resolved, error) {
	return s.finish(ctx, worldID, approvalID, actorID, func(a worldstate.PendingApproval) (string, error) {
		b, ok := findBranch(a.Branches, branchID)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branchID)
		}
		if text != "" {
			return text, nil
		}
		return b.Description, nil
	})
}

// Reject discards the outcome; nothing is applied or recorded.
func (s *Service) Reject(worldID, approvalID string) (Resolved, error) {
	st, ok := s.States.Get(worldID)
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %s", ErrWorldNotActive, worldID)
	}
	a, err := st.TakeApproval(approvalID)
	if err != nil {
		return Resolved{}, err
	}
	rr, _ := a.Detail.(RollResult)
	return Resolved{RollResult: rr, Rejected: true}, nil
}

func (s *Service) finish(ctx context.Context, worldID, approvalID, actorID string, describe func(worldstate.PendingApproval) (string, error)) (Resolved, error) {
	st, ok := s.States.Get(worldID)
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %s", ErrWorldNotActive, worldID)
	}
	a, ok := st.Approval(approvalID)
	if !ok {
		return Resolved{}, worldstate.ErrApprovalNotFound
	}
	rr, ok := a.Detail.(RollResult)
	if !ok {
		return Resolved{}, ErrWrongApprovalKind
	}
	desc, err := describe(a)
	if err != nil {
		return Resolved{}, err
	}
	if _, err := st.TakeApproval(approvalID); err != nil {
		return Resolved{}, err
	}
	res := rr.Resolution
	if err := s.Engine.RecordChallengeResult(ctx, res.WorldID, res.PcID, res.ChallengeID, string(rr.Outcome), rr.Outcome.IsSuccess(), actorID); err != nil {
		return Resolved{}, err
	}
	rep := s.Effects.Apply(ctx, res.WorldID, res.PcID, actorID, rr.Effects)
	return Resolved{RollResult: rr, Description: desc, Report: rep}, nil
}

func findBranch(list []protocol.Branch, id string) (protocol.Branch, bool) {
	for _, b := range list {
		if b.ID == id {
			return b, true
		}
	}
	return protocol.Branch{}, false
}
