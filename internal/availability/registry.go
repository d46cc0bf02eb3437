// Package availability is the source of truth for driver status and
// location. It owns the available→busy claim and keeps the geo index in
// step with every record it writes.
package availability

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
	"github.com/example/ride-dispatch/internal/retry"
)

type Registry struct {
	store      Store
	index      geo.Index
	staleAfter time.Duration
	logger     *slog.Logger
	retry      retry.Policy
	now        func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithRetry(p retry.Policy) Option { return func(r *Registry) { r.retry = p } }

func NewRegistry(store Store, index geo.Index, staleAfter time.Duration, logger *slog.Logger, opts ...Option) *Registry {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	r := &Registry{
		store:      store,
		index:      index,
		staleAfter: staleAfter,
		logger:     logger,
		retry:      retry.Default,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetAvailable brings a driver online at loc, or refreshes the location of a
// driver already available. A busy driver is rejected with ErrDriverBusy.
func (r *Registry) SetAvailable(ctx context.Context, driverID string, loc models.Coord, class models.VehicleClass) (models.DriverRecord, error) {
	if driverID == "" || class == "" {
		return models.DriverRecord{}, fmt.Errorf("driver id and vehicle class required: %w", errs.ErrInvalidInput)
	}
	if !loc.Valid() {
		return models.DriverRecord{}, fmt.Errorf("driver location %v: %w", loc, errs.ErrInvalidLocation)
	}
	now := r.now()
	return r.apply(ctx, driverID, true, func(cur models.DriverRecord, exists bool) (models.DriverRecord, error) {
		if exists && cur.Status == models.DriverBusy {
			return cur, errs.ErrDriverBusy
		}
		cur.Loc = loc
		cur.VehicleClass = class
		cur.Status = models.DriverAvailable
		cur.LastHeartbeat = now
		return cur, nil
	})
}

// SetBusy claims the driver: a single compare-and-swap from available to
// busy. Busy, offline, unknown and stale drivers fail with ErrNotAvailable.
// Not retried locally: a transient error after a committed write would turn
// a won claim into a reported loss.
func (r *Registry) SetBusy(ctx context.Context, driverID string) (models.DriverRecord, error) {
	freshSince := r.now().Add(-r.staleAfter)
	rec, err := r.apply(ctx, driverID, false, func(cur models.DriverRecord, exists bool) (models.DriverRecord, error) {
		if !exists || cur.Status != models.DriverAvailable || cur.LastHeartbeat.Before(freshSince) {
			return cur, errs.ErrNotAvailable
		}
		cur.Status = models.DriverBusy
		return cur, nil
	})
	if err != nil && !errs.Business(err) {
		return rec, fmt.Errorf("claim driver %s: %w: %v", driverID, errs.ErrUnavailable, err)
	}
	return rec, err
}

// Release returns a busy driver to available. Releasing an available or
// offline driver is a no-op.
func (r *Registry) Release(ctx context.Context, driverID string) (models.DriverRecord, error) {
	return r.apply(ctx, driverID, true, func(cur models.DriverRecord, exists bool) (models.DriverRecord, error) {
		if !exists {
			return cur, fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
		}
		if cur.Status != models.DriverBusy {
			return cur, ErrUnchanged
		}
		cur.Status = models.DriverAvailable
		return cur, nil
	})
}

// Heartbeat records a location ping. Status is left untouched.
func (r *Registry) Heartbeat(ctx context.Context, driverID string, loc models.Coord) (models.DriverRecord, error) {
	if !loc.Valid() {
		return models.DriverRecord{}, fmt.Errorf("heartbeat location %v: %w", loc, errs.ErrInvalidLocation)
	}
	now := r.now()
	return r.apply(ctx, driverID, true, func(cur models.DriverRecord, exists bool) (models.DriverRecord, error) {
		if !exists {
			return cur, fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
		}
		cur.Loc = loc
		cur.LastHeartbeat = now
		return cur, nil
	})
}

func (r *Registry) SetOffline(ctx context.Context, driverID string) (models.DriverRecord, error) {
	return r.apply(ctx, driverID, true, func(cur models.DriverRecord, exists bool) (models.DriverRecord, error) {
		if !exists {
			return cur, fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
		}
		switch cur.Status {
		case models.DriverBusy:
			return cur, errs.ErrDriverBusy
		case models.DriverOffline:
			return cur, ErrUnchanged
		}
		cur.Status = models.DriverOffline
		return cur, nil
	})
}

func (r *Registry) Get(ctx context.Context, driverID string) (models.DriverRecord, error) {
	return retry.Value(ctx, r.retry, func(ctx context.Context) (models.DriverRecord, error) {
		return r.store.Get(ctx, driverID)
	})
}

// Nearby is the dispatch-facing geo query: available drivers of class within
// radiusM of p whose heartbeat is inside the staleness window.
func (r *Registry) Nearby(ctx context.Context, p models.Coord, radiusM float64, class models.VehicleClass, limit int) ([]geo.Candidate, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("query point %v: %w", p, errs.ErrInvalidLocation)
	}
	q := geo.Query{Point: p, RadiusM: radiusM, Class: class, FreshSince: r.now().Add(-r.staleAfter), Limit: limit}
	return retry.Value(ctx, r.retry, func(ctx context.Context) ([]geo.Candidate, error) {
		return r.index.Nearby(ctx, q)
	})
}

// StaleAfter is the heartbeat age past which a driver is not matchable.
func (r *Registry) StaleAfter() time.Duration { return r.staleAfter }

func (r *Registry) apply(ctx context.Context, driverID string, retryable bool, fn UpdateFunc) (models.DriverRecord, error) {
	if driverID == "" {
		return models.DriverRecord{}, fmt.Errorf("driver id required: %w", errs.ErrInvalidInput)
	}
	var (
		rec     models.DriverRecord
		changed bool
	)
	update := func(ctx context.Context) error {
		var err error
		changed = false
		rec, err = r.store.Update(ctx, driverID, func(cur models.DriverRecord, exists bool) (models.DriverRecord, error) {
			next, err := fn(cur, exists)
			changed = err == nil
			return next, err
		})
		return err
	}
	var err error
	if retryable {
		err = retry.Do(ctx, r.retry, update)
	} else {
		err = update(ctx)
	}
	if err != nil {
		return rec, err
	}
	if changed {
		observability.DriverTransitions.WithLabelValues(string(rec.Status)).Inc()
		r.sync(ctx, rec)
	}
	return rec, nil
}

// sync mirrors a written record into the geo index. Failures are logged, not
// returned: the record is already committed and the next write for the same
// driver carries a higher version that supersedes whatever the index holds.
func (r *Registry) sync(ctx context.Context, rec models.DriverRecord) {
	var err error
	if rec.Status == models.DriverAvailable {
		err = r.index.Upsert(ctx, geo.Entry{
			DriverID:  rec.ID,
			Loc:       rec.Loc,
			Class:     rec.VehicleClass,
			Heartbeat: rec.LastHeartbeat,
			Version:   rec.Version,
		})
	} else {
		err = r.index.Remove(ctx, rec.ID, rec.Version)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.IndexErrors.Inc()
		r.logger.Warn("geo index sync failed", "driver_id", rec.ID, "status", rec.Status, "version", rec.Version, "error", err)
	}
}
