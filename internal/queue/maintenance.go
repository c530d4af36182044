package queue

import (
	"context"
	"log"
	"time"
)

// Maintainer periodically recovers abandoned items, expires stale waiting
// items and deletes finished history past the retention window.
type Maintainer struct {
	Set       *Set
	StartedAt time.Time
	// LeaseTimeout reclaims in_progress items whose lease has not been renewed
	// for this long, even when this process claimed them. Zero only reclaims
	// items from earlier processes.
	LeaseTimeout     time.Duration
	RecoveryInterval time.Duration
	CleanupInterval  time.Duration
	Retention        time.Duration
	// ExpireAfter marks waiting items older than this as expired. Zero disables.
	ExpireAfter time.Duration
	Logger      *log.Logger
	Now         func() time.Time
}

func (m *Maintainer) logf(format string, args ...any) {
	if m.Logger != nil {
		m.Logger.Printf("queue: "+format, args...)
		return
	}
	log.Printf("queue: "+format, args...)
}

func (m *Maintainer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Run performs an initial recovery then loops until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	m.RecoverOnce(ctx)
	recovery := time.NewTicker(positive(m.RecoveryInterval, 30*time.Second))
	defer recovery.Stop()
	cleanup := time.NewTicker(positive(m.CleanupInterval, 10*time.Minute))
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-recovery.C:
			m.RecoverOnce(ctx)
		case <-cleanup.C:
			m.CleanupOnce(ctx)
		}
	}
}

// RecoverOnce requeues items a previous process left in_progress and items
// whose lease went stale.
func (m *Maintainer) RecoverOnce(ctx context.Context) RecoverResult {
	res, err := m.Set.Recover(ctx, m.cutoff())
	if err != nil {
		m.logf("recover failed: %v", err)
		return res
	}
	if res.Requeued > 0 || res.Failed > 0 {
		m.logf("recovered %d items, failed %d exhausted items", res.Requeued, res.Failed)
	}
	return res
}

func (m *Maintainer) cutoff() time.Time {
	cutoff := m.StartedAt
	if m.LeaseTimeout > 0 {
		if stale := m.now().Add(-m.LeaseTimeout); stale.After(cutoff) {
			cutoff = stale
		}
	}
	return cutoff
}

// CleanupResult totals one maintenance pass.
type CleanupResult struct {
	Expired int
	Deleted int
}

func (m *Maintainer) CleanupOnce(ctx context.Context) CleanupResult {
	now := m.now()
	var res CleanupResult
	for _, name := range Names {
		if m.ExpireAfter > 0 {
			n, err := m.Set.Backend.ExpireOld(ctx, name, now.Add(-m.ExpireAfter))
			if err != nil {
				m.logf("expire %s failed: %v", name, err)
			}
			res.Expired += n
		}
		if m.Retention > 0 {
			n, err := m.Set.Backend.Cleanup(ctx, name, now.Add(-m.Retention))
			if err != nil {
				m.logf("cleanup %s failed: %v", name, err)
			}
			res.Deleted += n
		}
	}
	if res.Expired > 0 || res.Deleted > 0 {
		m.logf("expired %d items, deleted %d finished items", res.Expired, res.Deleted)
	}
	return res
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
