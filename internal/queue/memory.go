package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps items in process memory. Items do not survive restart.
type MemoryBackend struct {
	Now         func() time.Time
	MaxAttempts int

	mu    sync.Mutex
	seq   int64
	items map[string]*memItem
}

type memItem struct {
	Item
	seq int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: map[string]*memItem{}}
}

func (b *MemoryBackend) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *MemoryBackend) Enqueue(ctx context.Context, q Name, n NewItem) (Item, error) {
	payload, err := n.encode()
	if err != nil {
		return Item{}, err
	}
	now := b.now()
	it := Item{
		ID:            uuid.NewString(),
		Queue:         q,
		WorldID:       n.WorldID,
		CorrelationID: n.CorrelationID,
		Payload:       payload,
		Status:        StatusPending,
		Priority:      n.Priority,
		MaxAttempts:   maxAttempts(n.MaxAttempts, b.MaxAttempts),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.items[it.ID] = &memItem{Item: it, seq: b.seq}
	return it, nil
}

func (b *MemoryBackend) Dequeue(ctx context.Context, q Name) (Item, bool, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *memItem
	for _, m := range b.items {
		if m.Queue != q || !ready(m.Item, now) {
			continue
		}
		if best == nil || before(m, best) {
			best = m
		}
	}
	if best == nil {
		return Item{}, false, nil
	}
	best.Status = StatusInProgress
	best.Attempts++
	best.ScheduledAt = nil
	best.UpdatedAt = now
	return best.Item, true, nil
}

func ready(it Item, now time.Time) bool {
	switch it.Status {
	case StatusPending:
		return true
	case StatusDelayed:
		return it.ScheduledAt == nil || !it.ScheduledAt.After(now)
	}
	return false
}

func before(a, b *memItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (b *MemoryBackend) transition(id string, fn func(*memItem) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.items[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(m); err != nil {
		return err
	}
	m.UpdatedAt = b.now()
	return nil
}

func (b *MemoryBackend) Complete(ctx context.Context, id string) error {
	return b.transition(id, func(m *memItem) error {
		if m.Status != StatusInProgress {
			return ErrInvalidState
		}
		m.Status = StatusCompleted
		m.Error = ""
		return nil
	})
}

func (b *MemoryBackend) Touch(ctx context.Context, id string) error {
	return b.transition(id, func(m *memItem) error {
		if m.Status != StatusInProgress {
			return ErrInvalidState
		}
		return nil
	})
}

func (b *MemoryBackend) Fail(ctx context.Context, id, reason string) error {
	return b.transition(id, func(m *memItem) error {
		m.Status = StatusFailed
		m.Error = reason
		return nil
	})
}

func (b *MemoryBackend) Delay(ctx context.Context, id string, until time.Time) error {
	return b.transition(id, func(m *memItem) error {
		u := until.UTC()
		m.Status = StatusDelayed
		m.ScheduledAt = &u
		return nil
	})
}

func (b *MemoryBackend) Get(ctx context.Context, id string) (Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return m.Item, nil
}

func (b *MemoryBackend) collect(match func(*memItem) bool) []*memItem {
	var out []*memItem
	for _, m := range b.items {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemoryBackend) ListByStatus(ctx context.Context, q Name, status Status, limit int) ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := b.collect(func(m *memItem) bool { return m.Queue == q && m.Status == status })
	sort.Slice(ms, func(i, j int) bool { return before(ms[i], ms[j]) })
	return items(ms, limit), nil
}

func (b *MemoryBackend) ListByWorld(ctx context.Context, q Name, worldID string) ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := b.collect(func(m *memItem) bool {
		return m.Queue == q && m.WorldID == worldID && !finished(m.Status)
	})
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })
	return items(ms, 0), nil
}

func (b *MemoryBackend) HistoryByWorld(ctx context.Context, q Name, worldID string, limit int) ([]Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := b.collect(func(m *memItem) bool {
		return m.Queue == q && m.WorldID == worldID && finished(m.Status)
	})
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].UpdatedAt.Equal(ms[j].UpdatedAt) {
			return ms[i].UpdatedAt.After(ms[j].UpdatedAt)
		}
		return ms[i].seq > ms[j].seq
	})
	return items(ms, limit), nil
}

func (b *MemoryBackend) Stats(ctx context.Context, q Name) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s Stats
	for _, m := range b.items {
		if m.Queue == q {
			s.add(m.Status, 1)
		}
	}
	return s, nil
}

func (b *MemoryBackend) Recover(ctx context.Context, q Name, cutoff time.Time) (RecoverResult, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var res RecoverResult
	for _, m := range b.items {
		if m.Queue != q || m.Status != StatusInProgress || !m.UpdatedAt.Before(cutoff) {
			continue
		}
		if m.Attempts >= m.MaxAttempts {
			m.Status = StatusFailed
			m.Error = recoveredExhausted
			res.Failed++
		} else {
			m.Status = StatusPending
			res.Requeued++
		}
		m.UpdatedAt = now
	}
	return res, nil
}

func (b *MemoryBackend) ExpireOld(ctx context.Context, q Name, cutoff time.Time) (int, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.items {
		if m.Queue != q || (m.Status != StatusPending && m.Status != StatusDelayed) || !m.CreatedAt.Before(cutoff) {
			continue
		}
		m.Status = StatusExpired
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func (b *MemoryBackend) Cleanup(ctx context.Context, q Name, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, m := range b.items {
		if m.Queue == q && finished(m.Status) && m.UpdatedAt.Before(cutoff) {
			delete(b.items, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) CancelByCorrelation(ctx context.Context, worldID, correlationID string) (int, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.items {
		if m.WorldID != worldID || m.CorrelationID != correlationID || (m.Status != StatusPending && m.Status != StatusDelayed) {
			continue
		}
		m.Status = StatusFailed
		m.Error = CancelledReason
		m.UpdatedAt = now
		n++
	}
	return n, nil
}

func finished(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

func items(ms []*memItem, limit int) []Item {
	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}
	out := make([]Item, len(ms))
	for i, m := range ms {
		out[i] = m.Item
	}
	return out
}

func maxAttempts(n, fallback int) int {
	if n > 0 {
		return n
	}
	if fallback > 0 {
		return fallback
	}
	return 3
}
