package queue

import (
	"context"
	"time"
)

// Notifier wakes a waiting worker when work arrives. Notify never blocks and
// coalesces: signals sent while nobody waits collapse into at most one, so a
// woken consumer must re-check the queue rather than count notifications.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until notified, the timeout elapses or ctx is done. It reports
// whether a notification was received.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-n.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
