package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval  = 200 * time.Millisecond
	defaultRetryInterval = time.Second
	maxSettleTries       = 5
)

// Handler processes one claimed item. A nil return completes the item; any
// other error fails it with the error text unless it is a RetryError.
type Handler func(ctx context.Context, it Item) error

// RetryError asks the worker to delay the item instead of failing it.
type RetryError struct {
	After time.Duration
	Err   error
}

func (e *RetryError) Error() string { return fmt.Sprintf("retry after %s: %v", e.After, e.Err) }
func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the item is retried after d while attempts remain.
func Retry(err error, d time.Duration) error {
	return &RetryError{After: d, Err: err}
}

// Worker drains one queue with a fixed number of goroutines.
type Worker struct {
	Queue       *Queue
	Handler     Handler
	Concurrency int
	// PollInterval bounds how long an idle worker sleeps without a notification.
	PollInterval time.Duration
	// RetryInterval is the pause after a backend error.
	RetryInterval time.Duration
	// Heartbeat renews the lease of a running item at this interval. Zero
	// disables renewal.
	Heartbeat time.Duration
	Logger    *log.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
}

func (w *Worker) logf(format string, args ...any) {
	prefix := fmt.Sprintf("queue[%s]: ", w.Queue.Name)
	if w.Logger != nil {
		w.Logger.Printf(prefix+format, args...)
		return
	}
	log.Printf(prefix+format, args...)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) tracer() trace.Tracer {
	if w.Tracer != nil {
		return w.Tracer
	}
	return otel.Tracer("loreline/queue")
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	n := w.Concurrency
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	poll := w.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	for ctx.Err() == nil {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logf("dequeue failed: %v", err)
			w.sleep(ctx, w.retryInterval())
			continue
		}
		if !processed {
			w.Queue.Notifier.Wait(ctx, poll)
		}
	}
}

// RunOnce claims and processes at most one item.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	it, ok, err := w.Queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	w.process(ctx, it)
	return true, nil
}

func (w *Worker) process(ctx context.Context, it Item) {
	ctx, span := w.tracer().Start(ctx, "queue.process "+string(it.Queue), trace.WithAttributes(
		attribute.String("queue.name", string(it.Queue)),
		attribute.String("queue.item_id", it.ID),
		attribute.String("world.id", it.WorldID),
		attribute.Int("queue.attempt", it.Attempts),
	))
	defer span.End()

	stop := w.renew(ctx, it)
	err := w.invoke(ctx, it)
	stop()
	if err == nil {
		w.settle(ctx, it, "complete", func() error { return w.Queue.Backend.Complete(ctx, it.ID) })
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var retry *RetryError
	if errors.As(err, &retry) && it.Attempts < it.MaxAttempts {
		until := w.now().Add(retry.After)
		w.logf("item %s attempt %d: %v; retrying at %s", it.ID, it.Attempts, retry.Err, until.Format(time.RFC3339))
		w.settle(ctx, it, "delay", func() error { return w.Queue.Backend.Delay(ctx, it.ID, until) })
		return
	}
	w.logf("item %s failed: %v", it.ID, err)
	reason := err.Error()
	w.settle(ctx, it, "fail", func() error { return w.Queue.Backend.Fail(ctx, it.ID, reason) })
}

func (w *Worker) invoke(ctx context.Context, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.Handler(ctx, it)
}

// renew touches the item until the returned stop func is called.
func (w *Worker) renew(ctx context.Context, it Item) func() {
	if w.Heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.Queue.Backend.Touch(ctx, it.ID); err != nil {
					w.logf("renew item %s: %v", it.ID, err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// settle retries a status transition on backend errors. An item left
// in_progress after the last try stops renewing its lease and is reclaimed
// by the maintainer once the lease goes stale.
func (w *Worker) settle(ctx context.Context, it Item, op string, fn func() error) {
	for try := 1; try <= maxSettleTries; try++ {
		err := fn()
		if err == nil {
			return
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
			w.logf("%s item %s: %v", op, it.ID, err)
			return
		}
		w.logf("%s item %s (try %d): %v", op, it.ID, try, err)
		if !w.sleep(ctx, w.retryInterval()) {
			return
		}
	}
}

func (w *Worker) retryInterval() time.Duration {
	if w.RetryInterval > 0 {
		return w.RetryInterval
	}
	return defaultRetryInterval
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
