package queue

import (
	"context"
	"sync"
	"time"
)

// cancelMemory bounds how many cancelled correlation ids a Set remembers.
const cancelMemory = 4096

// Queue binds one named queue to a backend and its wake-up notifier.
type Queue struct {
	Name     Name
	Backend  Backend
	Notifier *Notifier
}

func New(name Name, backend Backend) *Queue {
	return &Queue{Name: name, Backend: backend, Notifier: NewNotifier()}
}

// Enqueue stores an item and wakes a worker.
func (q *Queue) Enqueue(ctx context.Context, it NewItem) (Item, error) {
	out, err := q.Backend.Enqueue(ctx, q.Name, it)
	if err != nil {
		return Item{}, err
	}
	q.Notifier.Notify()
	return out, nil
}

func (q *Queue) Dequeue(ctx context.Context) (Item, bool, error) {
	return q.Backend.Dequeue(ctx, q.Name)
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.Backend.Stats(ctx, q.Name)
}

// Set holds the pipeline's queues over a shared backend.
type Set struct {
	Backend Backend
	queues  map[Name]*Queue

	mu        sync.Mutex
	cancelled map[string]struct{}
	order     []string
}

func NewSet(backend Backend) *Set {
	s := &Set{Backend: backend, queues: map[Name]*Queue{}, cancelled: map[string]struct{}{}}
	for _, name := range Names {
		s.queues[name] = New(name, backend)
	}
	return s
}

// Get returns the named queue, or nil for an unknown name.
func (s *Set) Get(name Name) *Queue {
	return s.queues[name]
}

func (s *Set) Stats(ctx context.Context) (map[Name]Stats, error) {
	out := make(map[Name]Stats, len(s.queues))
	for name, q := range s.queues {
		st, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, nil
}

// Cancel fails a world's waiting items spawned by correlationID across every
// queue. The id is remembered so handlers already running for it can discard
// their results; see Cancelled.
func (s *Set) Cancel(ctx context.Context, worldID, correlationID string) (int, error) {
	if correlationID == "" {
		return 0, nil
	}
	s.remember(worldID + "/" + correlationID)
	return s.Backend.CancelByCorrelation(ctx, worldID, correlationID)
}

// Cancelled reports whether correlationID was cancelled in worldID.
func (s *Set) Cancelled(worldID, correlationID string) bool {
	if correlationID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancelled[worldID+"/"+correlationID]
	return ok
}

func (s *Set) remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancelled[key]; ok {
		return
	}
	s.cancelled[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > cancelMemory {
		delete(s.cancelled, s.order[0])
		s.order = s.order[1:]
	}
}

// Recover requeues items claimed before cutoff on every queue and wakes workers.
func (s *Set) Recover(ctx context.Context, cutoff time.Time) (RecoverResult, error) {
	var total RecoverResult
	for _, name := range Names {
		res, err := s.Backend.Recover(ctx, name, cutoff)
		if err != nil {
			return total, err
		}
		total.Requeued += res.Requeued
		total.Failed += res.Failed
		if res.Requeued > 0 {
			s.queues[name].Notifier.Notify()
		}
	}
	return total, nil
}
