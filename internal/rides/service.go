// Package rides owns the ride lifecycle. Every change goes through the
// transition function in fsm.go and lands in storage with a versioned
// compare-and-swap, so concurrent callers see exactly one winner.
package rides

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Drivers is the part of the availability registry the lifecycle needs.
type Drivers interface {
	SetBusy(ctx context.Context, driverID string) (models.DriverRecord, error)
	Release(ctx context.Context, driverID string) (models.DriverRecord, error)
}

// Notifier receives committed transitions. Implementations must not block.
type Notifier interface {
	Notify(kind models.EventKind, ride models.Ride)
}

type RequestCommand struct {
	RiderID      string
	Pickup       models.Coord
	Destination  models.Coord
	VehicleClass models.VehicleClass
}

type Service struct {
	store        storage.RideStore
	drivers      Drivers
	notifier     Notifier
	fares        FareTable
	logger       *slog.Logger
	retry        retry.Policy
	maxConflicts int
	now          func() time.Time
	newID        func() string
	newOTP       func() (string, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithRetry(p retry.Policy) Option { return func(s *Service) { s.retry = p } }

func WithFares(f FareTable) Option { return func(s *Service) { s.fares = f } }

func WithOTP(gen func() (string, error)) Option { return func(s *Service) { s.newOTP = gen } }

func NewService(store storage.RideStore, drivers Drivers, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		drivers:      drivers,
		notifier:     notifier,
		fares:        DefaultFares(),
		logger:       logger,
		retry:        retry.Default,
		maxConflicts: 8,
		now:          time.Now,
		newID:        uuid.NewString,
		newOTP:       GenerateOTP,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GenerateOTP returns a uniformly random 4-digit code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// Request creates a pending ride with a fare estimate.
func (s *Service) Request(ctx context.Context, cmd RequestCommand) (models.Ride, error) {
	if cmd.RiderID == "" {
		return models.Ride{}, fmt.Errorf("rider id required: %w", errs.ErrInvalidInput)
	}
	if !cmd.Pickup.Valid() {
		return models.Ride{}, fmt.Errorf("pickup %v: %w", cmd.Pickup, errs.ErrInvalidLocation)
	}
	if !cmd.Destination.Valid() {
		return models.Ride{}, fmt.Errorf("destination %v: %w", cmd.Destination, errs.ErrInvalidLocation)
	}
	fare, err := s.fares.Estimate(cmd.VehicleClass, cmd.Pickup, cmd.Destination)
	if err != nil {
		return models.Ride{}, err
	}
	now := s.now().UTC()
	ride := models.Ride{
		ID:           s.newID(),
		RiderID:      cmd.RiderID,
		Pickup:       cmd.Pickup,
		Destination:  cmd.Destination,
		VehicleClass: cmd.VehicleClass,
		Status:       models.RidePending,
		FareEstimate: fare,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created := false
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		err := s.store.Create(ctx, ride)
		// a retried insert that already landed
		if created && errors.Is(err, errs.ErrConflict) {
			return nil
		}
		created = true
		return err
	})
	if err != nil {
		return models.Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RidePending)).Inc()
	s.logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID, "class", ride.VehicleClass, "fare", ride.FareEstimate.Amount)
	s.notify(models.EventRequested, ride)
	return ride, nil
}

// Accept assigns driverID to a pending ride. The driver is claimed in the
// registry first; if the ride write then loses, the claim is released.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	if rideID == "" || driverID == "" {
		return models.Ride{}, fmt.Errorf("ride id and driver id required: %w", errs.ErrInvalidInput)
	}
	cur, err := s.Get(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if cur.Status != models.RidePending {
		return models.Ride{}, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, errs.ErrAlreadyAssigned)
	}
	otp, err := s.newOTP()
	if err != nil {
		return models.Ride{}, fmt.Errorf("generate otp: %w", err)
	}
	if _, err := s.drivers.SetBusy(ctx, driverID); err != nil {
		if errors.Is(err, errs.ErrNotAvailable) {
			return models.Ride{}, fmt.Errorf("driver %s: %w", driverID, errs.ErrDriverUnavailable)
		}
		return models.Ride{}, err
	}

	_, next, err := s.transition(ctx, rideID, func(cur models.Ride) (models.Ride, error) {
		if cur.Status != models.RidePending {
			return cur, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, errs.ErrAlreadyAssigned)
		}
		to, err := Next(cur.Status, ActionAccept)
		if err != nil {
			return cur, err
		}
		now := s.now().UTC()
		cur.Status = to
		cur.DriverID = driverID
		cur.OTP = otp
		cur.AcceptedAt = &now
		return cur, nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrUnavailable) {
			// the write may have landed without its reply
			r, held, rerr := s.acceptedBy(ctx, rideID, driverID)
			if rerr != nil {
				s.logger.Error("accept outcome unknown, driver left busy",
					"ride_id", rideID, "driver_id", driverID, "err", err, "read_err", rerr)
				return models.Ride{}, err
			}
			if held {
				s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
				s.notify(models.EventAccepted, r)
				return r, nil
			}
		}
		s.release(ctx, driverID, rideID)
		return models.Ride{}, err
	}
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	s.notify(models.EventAccepted, next)
	return next, nil
}

// Start moves an accepted ride to ongoing once the assigned driver presents
// the rider's OTP. A mismatch leaves the ride untouched.
func (s *Service) Start(ctx context.Context, rideID, driverID, otp string) (models.Ride, error) {
	_, next, err := s.transition(ctx, rideID, func(cur models.Ride) (models.Ride, error) {
		to, err := Next(cur.Status, ActionStart)
		if err != nil {
			return cur, err
		}
		if cur.DriverID != driverID {
			return cur, fmt.Errorf("ride %s: %w", rideID, errs.ErrNotAssignedDriver)
		}
		if subtle.ConstantTimeCompare([]byte(cur.OTP), []byte(otp)) != 1 {
			return cur, fmt.Errorf("ride %s: %w", rideID, errs.ErrOTPMismatch)
		}
		now := s.now().UTC()
		cur.Status = to
		cur.StartedAt = &now
		return cur, nil
	})
	if err != nil {
		return models.Ride{}, err
	}
	s.logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	s.notify(models.EventStarted, next)
	return next, nil
}

// End completes an ongoing ride and returns its driver to the pool.
func (s *Service) End(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	_, next, err := s.transition(ctx, rideID, func(cur models.Ride) (models.Ride, error) {
		to, err := Next(cur.Status, ActionEnd)
		if err != nil {
			return cur, err
		}
		if cur.DriverID != driverID {
			return cur, fmt.Errorf("ride %s: %w", rideID, errs.ErrNotAssignedDriver)
		}
		now := s.now().UTC()
		cur.Status = to
		cur.CompletedAt = &now
		return cur, nil
	})
	if err != nil {
		return models.Ride{}, err
	}
	s.release(ctx, driverID, rideID)
	s.logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	s.notify(models.EventCompleted, next)
	return next, nil
}

// Cancel ends a pending or accepted ride. Riders may cancel their own rides,
// drivers only rides assigned to them, and the system any ride. An assigned
// driver is released.
func (s *Service) Cancel(ctx context.Context, rideID string, actor models.Principal) (models.Ride, error) {
	prev, next, err := s.transition(ctx, rideID, func(cur models.Ride) (models.Ride, error) {
		to, err := Next(cur.Status, ActionCancel)
		if err != nil {
			return cur, err
		}
		switch actor.Role {
		case models.RoleRider:
			if cur.RiderID != actor.ID {
				return cur, fmt.Errorf("ride %s belongs to another rider: %w", rideID, errs.ErrForbidden)
			}
		case models.RoleDriver:
			if cur.DriverID == "" || cur.DriverID != actor.ID {
				return cur, fmt.Errorf("ride %s: %w", rideID, errs.ErrNotAssignedDriver)
			}
		case models.RoleSystem:
		default:
			return cur, fmt.Errorf("role %q: %w", actor.Role, errs.ErrForbidden)
		}
		now := s.now().UTC()
		cur.Status = to
		cur.CancelledAt = &now
		cur.CancelledBy = actor.Role
		if cur.DriverID != "" {
			cur.CancelledDriverID = cur.DriverID
			cur.DriverID = ""
		}
		cur.OTP = ""
		return cur, nil
	})
	if err != nil {
		return models.Ride{}, err
	}
	if prev.DriverID != "" {
		s.release(ctx, prev.DriverID, rideID)
	}
	s.logger.Info("ride cancelled", "ride_id", rideID, "by", actor.Role, "driver_id", prev.DriverID)
	s.notify(models.EventCancelled, next)
	return next, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (models.Ride, error) {
	if rideID == "" {
		return models.Ride{}, fmt.Errorf("ride id required: %w", errs.ErrInvalidInput)
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) (models.Ride, error) {
		return s.store.Get(ctx, rideID)
	})
}

func (s *Service) ListByStatus(ctx context.Context, status models.RideStatus, limit int) ([]models.Ride, error) {
	return retry.Value(ctx, s.retry, func(ctx context.Context) ([]models.Ride, error) {
		return s.store.ListByStatus(ctx, status, limit)
	})
}

func (s *Service) ListByDriver(ctx context.Context, driverID string, limit int) ([]models.Ride, error) {
	return retry.Value(ctx, s.retry, func(ctx context.Context) ([]models.Ride, error) {
		return s.store.ListByDriver(ctx, driverID, limit)
	})
}

func (s *Service) ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Ride, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("empty window %s..%s: %w", from, to, errs.ErrInvalidInput)
	}
	return retry.Value(ctx, s.retry, func(ctx context.Context) ([]models.Ride, error) {
		return s.store.ListCreatedBetween(ctx, from, to, limit)
	})
}

// Visible returns r as p may see it. The rider and the assigned driver see
// everything; a driver whose assignment was cancelled sees the ride without
// its code.
func Visible(r models.Ride, p models.Principal) (models.Ride, bool) {
	switch p.Role {
	case models.RoleSystem:
		return r, true
	case models.RoleRider:
		return r, r.RiderID == p.ID
	case models.RoleDriver:
		if r.DriverID == p.ID {
			return r, true
		}
		if r.CancelledDriverID == p.ID {
			return r.Redacted(), true
		}
	}
	return models.Ride{}, false
}

// transition reads the ride, lets decide build the next state from it, and
// writes that state with a compare-and-swap. A lost swap re-runs decide on the
// fresh ride. A write whose outcome is unknown is recognised on the re-read by
// its version.
func (s *Service) transition(ctx context.Context, rideID string, decide func(models.Ride) (models.Ride, error)) (prev, next models.Ride, err error) {
	var (
		inflight *models.Ride
		before   models.Ride
		failures int
		delay    = s.retry.Delay
	)
	for conflicts := 0; conflicts < s.maxConflicts; {
		cur, err := s.Get(ctx, rideID)
		if err != nil {
			return models.Ride{}, models.Ride{}, err
		}
		if inflight != nil && cur.Version == inflight.Version+1 &&
			cur.Status == inflight.Status && cur.DriverID == inflight.DriverID {
			observability.RideTransitions.WithLabelValues(string(cur.Status)).Inc()
			return before, cur, nil
		}
		inflight = nil

		proposed, err := decide(cur)
		if err != nil {
			return cur, models.Ride{}, err
		}
		proposed.UpdatedAt = s.now().UTC()
		saved, err := s.store.CompareAndSwap(ctx, proposed, cur.Version)
		switch {
		case err == nil:
			observability.RideTransitions.WithLabelValues(string(saved.Status)).Inc()
			return cur, saved, nil
		case errors.Is(err, errs.ErrConflict):
			observability.RideConflicts.Inc()
			conflicts++
		case errs.Business(err):
			return cur, models.Ride{}, err
		default:
			failures++
			s.logger.Warn("ride write failed", "ride_id", rideID, "attempt", failures, "err", err)
			if failures >= s.retry.Attempts {
				return cur, models.Ride{}, fmt.Errorf("ride %s: %w: %v", rideID, errs.ErrUnavailable, err)
			}
			proposed.Version = cur.Version
			inflight, before = &proposed, cur
			select {
			case <-ctx.Done():
				return cur, models.Ride{}, fmt.Errorf("ride %s: %w: %v", rideID, errs.ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if s.retry.MaxDelay > 0 && delay > s.retry.MaxDelay {
				delay = s.retry.MaxDelay
			}
		}
	}
	return models.Ride{}, models.Ride{}, fmt.Errorf("ride %s: %d concurrent writers: %w", rideID, s.maxConflicts, errs.ErrUnavailable)
}

// acceptedBy re-reads the ride outside the caller's deadline and reports
// whether it is held by driverID. A non-nil error means the outcome is
// unknown and the driver must not be released.
func (s *Service) acceptedBy(ctx context.Context, rideID, driverID string) (models.Ride, bool, error) {
	r, err := retry.Value(context.WithoutCancel(ctx), s.retry, func(ctx context.Context) (models.Ride, error) {
		return s.store.Get(ctx, rideID)
	})
	if err != nil {
		return models.Ride{}, false, err
	}
	return r, r.Status == models.RideAccepted && r.DriverID == driverID, nil
}

// release returns a driver to the pool. It is idempotent and runs outside the
// caller's deadline so an abandoned request cannot strand a busy driver.
func (s *Service) release(ctx context.Context, driverID, rideID string) {
	_, err := s.drivers.Release(context.WithoutCancel(ctx), driverID)
	if err == nil || errors.Is(err, availability.ErrUnchanged) || errors.Is(err, errs.ErrNotFound) {
		return
	}
	s.logger.Error("release driver", "driver_id", driverID, "ride_id", rideID, "err", err)
}

func (s *Service) notify(kind models.EventKind, r models.Ride) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(kind, r)
}
