package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/atalii/ac-mon/internal/domain"
	pkglog "github.com/atalii/ac-mon/pkg/log"
)

const publishTimeout = 3 * time.Second

// Dispatcher decouples store writers from the publisher. Notify never
// blocks: events are queued and published in order by a single worker, and
// dropped when the queue is full.
type Dispatcher struct {
	pub     Publisher
	queue   chan *Event
	dropped atomic.Int64
	now     func() time.Time
	logger  zerolog.Logger

	stopOnce sync.Once
	quit     chan struct{}
	doneCh   chan struct{}
}

// NewDispatcher creates a dispatcher with room for size pending events.
func NewDispatcher(pub Publisher, size int) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		pub:    pub,
		queue:  make(chan *Event, size),
		now:    time.Now,
		logger: pkglog.L().With().Str("component", "notify").Logger(),
		quit:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Notify queues a change event. It has the store change hook signature.
func (d *Dispatcher) Notify(prev, next domain.RoomStatus) {
	event, err := NewStatusEvent(prev, next, d.now())
	if err != nil {
		d.logger.Error().Err(err).Str(pkglog.FieldRoomID, next.RoomID).Msg("failed to build status event")
		return
	}

	select {
	case d.queue <- event:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn().Str(pkglog.FieldRoomID, next.RoomID).Int64("dropped", n).Msg("notify queue full, event dropped")
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Start launches the publishing worker.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop signals the worker to publish what is queued and exit. Call Done()
// to wait for it.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
}

// Done returns a channel closed when the worker has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	for {
		select {
		case event := <-d.queue:
			d.publish(ctx, event)
		case <-d.quit:
			d.drain()
			return
		}
	}
}

// drain publishes whatever is already queued without waiting for more.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.publish(context.Background(), event)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, event *Event) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := d.pub.Publish(pubCtx, event); err != nil {
		d.logger.Error().Err(err).Str(pkglog.FieldRoomID, event.RoomID).Msg("failed to publish status event")
	}
}
