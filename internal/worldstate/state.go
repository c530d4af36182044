// Package worldstate holds the in-memory runtime state of each active world.
package worldstate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"loreline/internal/protocol"
)

var ErrApprovalNotFound = errors.New("approval not found")

// ConversationEntry is one line of dialogue or narration.
type ConversationEntry struct {
	At      time.Time `json:"at"`
	Speaker string    `json:"speaker"`
	PcID    string    `json:"pc_id,omitempty"`
	Text    string    `json:"text"`
}

type ApprovalKind string

const (
	ApprovalDialogue  ApprovalKind = "dialogue"
	ApprovalChallenge ApprovalKind = "challenge"
	ApprovalNarrative ApprovalKind = "narrative"
)

// PendingApproval is an item awaiting a DM decision.
type PendingApproval struct {
	ID            string            `json:"id"`
	Kind          ApprovalKind      `json:"kind"`
	WorldID       string            `json:"world_id"`
	PcID          string            `json:"pc_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ProposedText  string            `json:"proposed_text"`
	Branches      []protocol.Branch `json:"branches,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	// Detail carries the owning component's record (challenge roll, event match).
	Detail any `json:"-"`
}

// State is the runtime state of one world. All methods are safe for
// concurrent use.
type State struct {
	WorldID string

	mu          sync.Mutex
	gameTime    time.Time
	maxHistory  int
	history     []ConversationEntry
	approvals   map[string]PendingApproval
	sceneID     string
	directorial protocol.DirectorialNotes
	turns       int
}

func newState(worldID string, gameTime time.Time, maxHistory int) *State {
	if maxHistory < 1 {
		maxHistory = 1
	}
	return &State{
		WorldID:    worldID,
		gameTime:   gameTime,
		maxHistory: maxHistory,
		approvals:  map[string]PendingApproval{},
	}
}

func (s *State) GameTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameTime
}

// AdvanceGameTime moves game time forward and returns the previous and new values.
func (s *State) AdvanceGameTime(d time.Duration) (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.gameTime
	s.gameTime = s.gameTime.Add(d)
	return prev, s.gameTime
}

func (s *State) SetGameTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gameTime = t
}

// AppendConversation records an entry, evicting the oldest past the bound.
func (s *State) AppendConversation(e ConversationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]ConversationEntry(nil), s.history[over:]...)
	}
}

// Conversation returns up to n most recent entries, oldest first. n <= 0 returns all.
func (s *State) Conversation(n int) []ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && len(s.history) > n {
		start = len(s.history) - n
	}
	return append([]ConversationEntry(nil), s.history[start:]...)
}

func (s *State) AddApproval(a PendingApproval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.ID] = a
}

func (s *State) Approval(id string) (PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	return a, ok
}

// UpdateApproval mutates a pending approval in place.
func (s *State) UpdateApproval(id string, fn func(*PendingApproval)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return ErrApprovalNotFound
	}
	fn(&a)
	s.approvals[id] = a
	return nil
}

// TakeApproval removes and returns an approval. Only one caller wins.
func (s *State) TakeApproval(id string) (PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return PendingApproval{}, ErrApprovalNotFound
	}
	delete(s.approvals, id)
	return a, nil
}

// TakeApprovalsByCorrelation removes every approval spawned by correlationID.
func (s *State) TakeApprovalsByCorrelation(correlationID string) []PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingApproval
	for id, a := range s.approvals {
		if a.CorrelationID == correlationID {
			out = append(out, a)
			delete(s.approvals, id)
		}
	}
	return out
}

// ExpireApprovals removes and returns approvals whose deadline is not after now.
func (s *State) ExpireApprovals(now time.Time) []PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingApproval
	for id, a := range s.approvals {
		if !a.ExpiresAt.After(now) {
			out = append(out, a)
			delete(s.approvals, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Approvals lists pending approvals, oldest first.
func (s *State) Approvals() []PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingApproval, 0, len(s.approvals))
	for _, a := range s.approvals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *State) CurrentScene() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sceneID
}

// SetCurrentScene records the displayed scene and reports whether it changed.
func (s *State) SetCurrentScene(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.sceneID != id
	s.sceneID = id
	return changed
}

func (s *State) Directorial() protocol.DirectorialNotes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directorial
}

func (s *State) SetDirectorial(n protocol.DirectorialNotes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directorial = n
}

// NextTurn increments and returns the world's turn counter.
func (s *State) NextTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	return s.turns
}

func (s *State) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}
