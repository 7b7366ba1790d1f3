package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/xtrntr/custody/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker runs queued match attempts on a fixed pool of goroutines
type Worker struct {
	ex      *Exchange
	log     *zap.Logger
	queue   chan int
	workers int
}

// NewWorker creates a worker pool of the given size with room for
// queueSize pending order ids
func NewWorker(ex *Exchange, workers, queueSize int, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Worker{ex: ex, log: log, queue: make(chan int, queueSize), workers: workers}
}

// Enqueue schedules a match attempt for orderID. It reports false when the
// queue is full; the order stays open and will be picked up by a sweep.
func (w *Worker) Enqueue(orderID int) bool {
	select {
	case w.queue <- orderID:
		return true
	default:
		w.log.Warn("match queue full", zap.Int("order_id", orderID))
		return false
	}
}

// Run processes the queue until ctx is done and every in-flight attempt
// has finished
func (w *Worker) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-w.queue:
					w.process(ctx, id)
				}
			}
		})
	}
	return eg.Wait()
}

func (w *Worker) process(ctx context.Context, id int) {
	_, err := w.ex.MatchWithRetry(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrContended):
		w.log.Warn("order still contended, leaving it for the sweep", zap.Int("order_id", id))
	case ctx.Err() != nil:
	default:
		w.log.Error("queued match failed", zap.Int("order_id", id), zap.Error(err))
	}
}

// RunSweeper sweeps every interval until ctx is done
func (e *Exchange) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("periodic sweep failed", zap.Error(err))
			}
		}
	}
}
