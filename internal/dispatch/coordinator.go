// Package dispatch matches pending rides to nearby available drivers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Finder returns fresh, available drivers of a class, nearest first.
type Finder interface {
	Nearby(ctx context.Context, p models.Coord, radiusM float64, class models.VehicleClass, limit int) ([]geo.Candidate, error)
}

// Rides is the lifecycle surface the coordinator drives. Accept performs the
// driver claim and the ride write as one unit.
type Rides interface {
	Get(ctx context.Context, rideID string) (models.Ride, error)
	Accept(ctx context.Context, rideID, driverID string) (models.Ride, error)
}

// Policy controls how far and how often a ride is re-dispatched.
type Policy struct {
	RadiusM     float64
	RadiusStepM float64
	MaxRadiusM  float64
	Candidates  int
	Attempts    int
	Delay       time.Duration
	MaxDelay    time.Duration
}

var DefaultPolicy = Policy{
	RadiusM:     3000,
	RadiusStepM: 2000,
	MaxRadiusM:  10000,
	Candidates:  10,
	Attempts:    3,
	Delay:       2 * time.Second,
	MaxDelay:    10 * time.Second,
}

type Coordinator struct {
	finder Finder
	rides  Rides
	policy Policy
	logger *slog.Logger
}

func NewCoordinator(finder Finder, rides Rides, policy Policy, logger *slog.Logger) *Coordinator {
	if policy.RadiusM <= 0 {
		policy.RadiusM = DefaultPolicy.RadiusM
	}
	if policy.Candidates <= 0 {
		policy.Candidates = DefaultPolicy.Candidates
	}
	if policy.MaxRadiusM < policy.RadiusM {
		policy.MaxRadiusM = policy.RadiusM
	}
	return &Coordinator{finder: finder, rides: rides, policy: policy, logger: logger}
}

func (c *Coordinator) Policy() Policy { return c.policy }

// Dispatch runs one round at the configured radius.
func (c *Coordinator) Dispatch(ctx context.Context, rideID string) (models.Ride, error) {
	return c.dispatch(ctx, rideID, c.policy.RadiusM)
}

// DispatchWithRetry re-runs rounds while no driver is found, widening the
// radius by RadiusStepM up to MaxRadiusM and backing off between rounds.
// Final outcomes stop the loop immediately.
func (c *Coordinator) DispatchWithRetry(ctx context.Context, rideID string, p Policy) (models.Ride, error) {
	if p.RadiusM <= 0 {
		p.RadiusM = c.policy.RadiusM
	}
	if p.MaxRadiusM < p.RadiusM {
		p.MaxRadiusM = p.RadiusM
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	radius, delay := p.RadiusM, p.Delay
	var err error
	for attempt := 1; ; attempt++ {
		var r models.Ride
		r, err = c.dispatch(ctx, rideID, radius)
		if err == nil || !errs.Retryable(err) || attempt >= p.Attempts {
			return r, err
		}
		c.logger.Info("dispatch retry", "ride_id", rideID, "attempt", attempt, "radius_m", radius, "err", err)
		select {
		case <-ctx.Done():
			return models.Ride{}, fmt.Errorf("ride %s: %w", rideID, errors.Join(err, ctx.Err()))
		case <-time.After(delay):
		}
		radius = min(radius+p.RadiusStepM, p.MaxRadiusM)
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// dispatch queries candidates nearest-first and offers the ride to each in
// turn. A candidate claimed by someone else is skipped; a ride that is no
// longer pending ends the round.
func (c *Coordinator) dispatch(ctx context.Context, rideID string, radiusM float64) (_ models.Ride, err error) {
	start := time.Now()
	defer func() {
		observability.DispatchLatency.Observe(time.Since(start).Seconds())
		observability.DispatchTotal.WithLabelValues(outcome(err)).Inc()
	}()

	ride, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if ride.Status != models.RidePending {
		return models.Ride{}, fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, errs.ErrAlreadyAssigned)
	}

	cands, err := c.finder.Nearby(ctx, ride.Pickup, radiusM, ride.VehicleClass, c.policy.Candidates)
	if err != nil {
		return models.Ride{}, fmt.Errorf("query candidates: %w", err)
	}
	observability.CandidatesSeen.Observe(float64(len(cands)))

	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return models.Ride{}, fmt.Errorf("ride %s: %w: %v", rideID, errs.ErrUnavailable, err)
		}
		accepted, err := c.rides.Accept(ctx, rideID, cand.DriverID)
		switch {
		case err == nil:
			c.logger.Info("ride dispatched", "ride_id", rideID, "driver_id", cand.DriverID, "distance_m", cand.DistanceM)
			return accepted, nil
		case errors.Is(err, errs.ErrDriverUnavailable):
			observability.ClaimsLost.Inc()
			c.logger.Debug("candidate taken", "ride_id", rideID, "driver_id", cand.DriverID)
		default:
			return models.Ride{}, err
		}
	}
	return models.Ride{}, fmt.Errorf("ride %s within %.0fm (%d candidates): %w", rideID, radiusM, len(cands), errs.ErrNoDriverAvailable)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "assigned"
	case errors.Is(err, errs.ErrNoDriverAvailable):
		return "no_driver"
	case errors.Is(err, errs.ErrAlreadyAssigned):
		return "already_assigned"
	case errs.Business(err):
		return "rejected"
	default:
		return "error"
	}
}
