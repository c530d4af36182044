package queue

import (
	"context"
	"time"
)

// Backend stores queue items. Implementations must make Dequeue an atomic
// claim: two concurrent callers never receive the same item.
type Backend interface {
	Enqueue(ctx context.Context, q Name, it NewItem) (Item, error)
	// Dequeue claims the highest-priority, oldest ready item and increments
	// its attempt count. ok is false when the queue is empty.
	Dequeue(ctx context.Context, q Name) (it Item, ok bool, err error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
	Delay(ctx context.Context, id string, until time.Time) error
	// Touch renews the lease of an in_progress item.
	Touch(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Item, error)
	ListByStatus(ctx context.Context, q Name, status Status, limit int) ([]Item, error)
	// ListByWorld returns unfinished items for a world.
	ListByWorld(ctx context.Context, q Name, worldID string) ([]Item, error)
	// HistoryByWorld returns finished items for a world, newest first.
	HistoryByWorld(ctx context.Context, q Name, worldID string, limit int) ([]Item, error)
	Stats(ctx context.Context, q Name) (Stats, error)
	// Recover returns in_progress items claimed before cutoff to pending, or
	// fails them once their attempts are exhausted.
	Recover(ctx context.Context, q Name, cutoff time.Time) (RecoverResult, error)
	// ExpireOld marks waiting items created before cutoff as expired.
	ExpireOld(ctx context.Context, q Name, cutoff time.Time) (int, error)
	// Cleanup deletes finished items last updated before cutoff.
	Cleanup(ctx context.Context, q Name, cutoff time.Time) (int, error)
	// CancelByCorrelation fails a world's waiting items spawned by correlationID.
	CancelByCorrelation(ctx context.Context, worldID, correlationID string) (int, error)
}

// CancelledReason is recorded on items cancelled by correlation id.
const CancelledReason = "cancelled"

const recoveredExhausted = "abandoned in_progress after max attempts"
