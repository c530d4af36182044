package worldstate

import (
	"sort"
	"sync"
	"time"
)

// Manager is the arena of per-world runtime states keyed by world id.
type Manager struct {
	MaxHistory int

	mu     sync.RWMutex
	worlds map[string]*State
}

func NewManager(maxHistory int) *Manager {
	return &Manager{MaxHistory: maxHistory, worlds: map[string]*State{}}
}

func (m *Manager) Get(worldID string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.worlds[worldID]
	return s, ok
}

// Ensure returns the world's state, creating it at gameTime when absent.
func (m *Manager) Ensure(worldID string, gameTime time.Time) (*State, bool) {
	if s, ok := m.Get(worldID); ok {
		return s, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.worlds[worldID]; ok {
		return s, false
	}
	s := newState(worldID, gameTime, m.MaxHistory)
	m.worlds[worldID] = s
	return s, true
}

// Remove drops a world's state once its last connection leaves.
func (m *Manager) Remove(worldID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.worlds, worldID)
}

func (m *Manager) Worlds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.worlds))
	for id := range m.worlds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Each visits every active world state.
func (m *Manager) Each(fn func(*State)) {
	m.mu.RLock()
	states := make([]*State, 0, len(m.worlds))
	for _, s := range m.worlds {
		states = append(states, s)
	}
	m.mu.RUnlock()
	for _, s := range states {
		fn(s)
	}
}
