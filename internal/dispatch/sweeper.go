package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// Expirer is the lifecycle surface the sweeper needs.
type Expirer interface {
	ListByStatus(ctx context.Context, status models.RideStatus, limit int) ([]models.Ride, error)
	Cancel(ctx context.Context, rideID string, actor models.Principal) (models.Ride, error)
}

// Sweeper cancels rides that stayed pending longer than Timeout.
type Sweeper struct {
	rides    Expirer
	timeout  time.Duration
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(rides Expirer, timeout, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{rides: rides, timeout: timeout, interval: interval, batch: 500, logger: logger, now: time.Now}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweep failed", "err", err)
			}
		}
	}
}

// Sweep cancels every expired pending ride once and returns how many it
// cancelled. Rides that moved on concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.timeout <= 0 {
		return 0, nil
	}
	pending, err := s.rides.ListByStatus(ctx, models.RidePending, s.batch)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.timeout)
	n := 0
	for _, r := range pending {
		if !r.CreatedAt.Before(cutoff) {
			// oldest first
			break
		}
		_, err := s.rides.Cancel(ctx, r.ID, models.SystemPrincipal)
		switch {
		case err == nil:
			n++
			s.logger.Info("pending ride expired", "ride_id", r.ID, "age", s.now().Sub(r.CreatedAt).Round(time.Second))
		case errors.Is(err, errs.ErrInvalidTransition):
		default:
			s.logger.Warn("expire ride", "ride_id", r.ID, "err", err)
		}
	}
	return n, nil
}
