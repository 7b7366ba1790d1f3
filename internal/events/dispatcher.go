package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	publishTimeout = 5 * time.Second
	// enqueueWait bounds how long Notify blocks on a full buffer
	enqueueWait = 50 * time.Millisecond
)

// Dispatcher is a Notifier that queues events in a bounded buffer and
// fans them out to publishers from a background loop. When the buffer
// stays full for enqueueWait the event is dropped, logged and counted
// rather than blocking the committing caller.
type Dispatcher struct {
	log        *zap.Logger
	publishers []Publisher
	queue      chan Event
	dropped    atomic.Uint64
}

// NewDispatcher creates a dispatcher with room for buffer pending events
func NewDispatcher(log *zap.Logger, buffer int, publishers ...Publisher) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Dispatcher{
		log:        log,
		publishers: publishers,
		queue:      make(chan Event, buffer),
	}
}

// Notify enqueues ev without waiting for delivery
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	select {
	case d.queue <- ev:
		return
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case d.queue <- ev:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	total := d.dropped.Add(1)
	d.log.Warn("event buffer full, dropping event",
		zap.String("kind", string(ev.Kind)),
		zap.Strings("channels", ev.Channels()),
		zap.Uint64("dropped_total", total),
	)
}

// Dropped reports how many events were discarded because the buffer was full
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run delivers events until ctx is done, then hands every event queued so
// far to the publishers before returning
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.Publish(ctx, ev); err != nil {
			d.log.Error("failed to publish event",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}
