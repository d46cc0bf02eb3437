// Package notify turns committed ride transitions into outbound events.
// Notify never blocks the caller: events go into a bounded outbox and are
// published by background workers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
)

// Publisher delivers one event to an external channel.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Notifier struct {
	pub            Publisher
	queue          chan models.Event
	workers        int
	retry          retry.Policy
	publishTimeout time.Duration
	drainTimeout   time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.RWMutex
	closed bool
}

type Option func(*Notifier)

func WithRetry(p retry.Policy) Option { return func(n *Notifier) { n.retry = p } }

func WithDrainTimeout(d time.Duration) Option { return func(n *Notifier) { n.drainTimeout = d } }

func New(pub Publisher, size, workers int, logger *slog.Logger, opts ...Option) *Notifier {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	n := &Notifier{
		pub:            pub,
		queue:          make(chan models.Event, size),
		workers:        workers,
		retry:          retry.Policy{Attempts: 5, Delay: 100 * time.Millisecond, MaxDelay: 5 * time.Second},
		publishTimeout: 3 * time.Second,
		drainTimeout:   10 * time.Second,
		logger:         logger,
		now:            time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Notify enqueues an event for ride. A full or closed outbox drops it.
func (n *Notifier) Notify(kind models.EventKind, ride models.Ride) {
	ev := models.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		RideID:     ride.ID,
		RiderID:    ride.RiderID,
		DriverID:   ride.DriverID,
		Status:     ride.Status,
		OccurredAt: n.now().UTC(),
		Ride:       ride,
	}
	if ev.DriverID == "" {
		ev.DriverID = ride.CancelledDriverID
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop(ev, "closed")
		return
	}
	select {
	case n.queue <- ev:
		observability.OutboxDepth.Set(float64(len(n.queue)))
	default:
		n.drop(ev, "full")
	}
}

func (n *Notifier) drop(ev models.Event, reason string) {
	observability.EventsDropped.Inc()
	n.logger.Warn("event dropped", "reason", reason, "kind", ev.Kind, "ride_id", ev.RideID)
}

// Run publishes queued events until ctx is done, then closes the outbox and
// drains what is left within the drain timeout.
func (n *Notifier) Run(ctx context.Context) error {
	pubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var g errgroup.Group
	for i := 0; i < n.workers; i++ {
		g.Go(func() error {
			for ev := range n.queue {
				observability.OutboxDepth.Set(float64(len(n.queue)))
				n.publish(pubCtx, ev)
			}
			return nil
		})
	}

	<-ctx.Done()
	n.Close()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.drainTimeout):
		n.logger.Warn("outbox drain timed out", "remaining", len(n.queue))
		cancel()
		<-done
	}
	return nil
}

// Close stops accepting events. Run drains the remainder.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.queue)
}

func (n *Notifier) publish(ctx context.Context, ev models.Event) {
	err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, n.publishTimeout)
		defer cancel()
		return n.pub.Publish(ctx, ev)
	})
	if err != nil {
		observability.EventsFailed.WithLabelValues(string(ev.Kind)).Inc()
		n.logger.Error("publish event", "kind", ev.Kind, "ride_id", ev.RideID, "event_id", ev.ID, "err", err)
		return
	}
	observability.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
}
