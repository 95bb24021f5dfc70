package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const reconcileQueueSize = 64

// reconciler repairs list aggregates whose write-through failed. Repairs
// run on a single background worker with fibonacci backoff; a repair that
// exhausts its retries is logged and dropped, the next structural mutation
// of the list will recompute anyway.
type reconciler struct {
	repair func(ctx context.Context, listID string) error
	logger *slog.Logger
	queue  chan string
	cancel context.CancelFunc
	done   chan struct{}
}

func newReconciler(repair func(ctx context.Context, listID string) error, logger *slog.Logger) *reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &reconciler{
		repair: repair,
		logger: logger,
		queue:  make(chan string, reconcileQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *reconciler) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case listID := <-r.queue:
			backoff := retry.WithMaxRetries(5, retry.NewFibonacci(200*time.Millisecond))
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				if err := r.repair(ctx, listID); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				r.logger.Error("aggregate repair failed", "list_id", listID, "error", err)
			}
		}
	}
}

// enqueue schedules a repair. A full queue drops the request; the condition
// is logged because it means the backend has been failing for a while.
func (r *reconciler) enqueue(listID string) {
	select {
	case r.queue <- listID:
	default:
		r.logger.Error("repair queue full, dropping", "list_id", listID)
	}
}

// Pending reports how many repairs are queued.
func (r *reconciler) Pending() int {
	return len(r.queue)
}

// Close stops the worker and waits for it to exit.
func (r *reconciler) Close() {
	r.cancel()
	<-r.done
}
