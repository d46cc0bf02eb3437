package availability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/retry"
)

var (
	pickup = models.Coord{Lat: 40.7306, Lon: -73.9352}
	nearby = models.Coord{Lat: 40.7310, Lon: -73.9350}
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, store Store) (*Registry, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(store, geo.NewGridIndex(0.01), time.Minute, discardLogger(),
		WithClock(c.Now), WithRetry(retry.Policy{Attempts: 2, Delay: time.Millisecond}))
	return r, c
}

func stores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rc, "test:driver:"),
	}
}

func TestRegistryLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, _ := newTestRegistry(t, store)

			rec, err := r.SetAvailable(ctx, "d1", pickup, models.VehicleCar)
			if err != nil {
				t.Fatalf("set available: %v", err)
			}
			if rec.Status != models.DriverAvailable || rec.Version != 1 {
				t.Fatalf("unexpected record after set available: %+v", rec)
			}

			if _, err := r.SetBusy(ctx, "d1"); err != nil {
				t.Fatalf("set busy: %v", err)
			}
			if _, err := r.SetBusy(ctx, "d1"); !errors.Is(err, errs.ErrNotAvailable) {
				t.Fatalf("second claim: expected ErrNotAvailable, got %v", err)
			}
			if _, err := r.SetAvailable(ctx, "d1", pickup, models.VehicleCar); !errors.Is(err, errs.ErrDriverBusy) {
				t.Fatalf("set available while busy: expected ErrDriverBusy, got %v", err)
			}
			if _, err := r.SetOffline(ctx, "d1"); !errors.Is(err, errs.ErrDriverBusy) {
				t.Fatalf("offline while busy: expected ErrDriverBusy, got %v", err)
			}

			rec, err = r.Release(ctx, "d1")
			if err != nil || rec.Status != models.DriverAvailable {
				t.Fatalf("release: rec=%+v err=%v", rec, err)
			}

			rec, err = r.SetOffline(ctx, "d1")
			if err != nil || rec.Status != models.DriverOffline {
				t.Fatalf("offline: rec=%+v err=%v", rec, err)
			}
			if _, err := r.SetBusy(ctx, "d1"); !errors.Is(err, errs.ErrNotAvailable) {
				t.Fatalf("claim offline: expected ErrNotAvailable, got %v", err)
			}
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, _ := newTestRegistry(t, store)
			before, _ := r.SetAvailable(ctx, "d1", pickup, models.VehicleCar)

			after, err := r.Release(ctx, "d1")
			if err != nil {
				t.Fatalf("release of available driver: %v", err)
			}
			if after.Version != before.Version || after.Status != models.DriverAvailable {
				t.Fatalf("expected no state change, before=%+v after=%+v", before, after)
			}
		})
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, _ := newTestRegistry(t, store)
			if _, err := r.SetAvailable(ctx, "d1", pickup, models.VehicleCar); err != nil {
				t.Fatalf("set available: %v", err)
			}

			const attempts = 8
			start := make(chan struct{})
			results := make(chan error, attempts)
			var wg sync.WaitGroup
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := r.SetBusy(ctx, "d1")
					results <- err
				}()
			}
			close(start)
			wg.Wait()
			close(results)

			success := 0
			for err := range results {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, errs.ErrNotAvailable) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly 1 successful claim, got %d", success)
			}
		})
	}
}

func TestStaleDriversAreExcludedWithoutMutation(t *testing.T) {
	ctx := context.Background()
	r, c := newTestRegistry(t, NewMemoryStore())
	_, _ = r.SetAvailable(ctx, "d1", pickup, models.VehicleCar)
	c.Advance(2 * time.Minute)

	got, err := r.Nearby(ctx, pickup, 1000, models.VehicleCar, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected stale driver excluded, got %v", geo.IDs(got))
	}
	if _, err := r.SetBusy(ctx, "d1"); !errors.Is(err, errs.ErrNotAvailable) {
		t.Fatalf("claim stale driver: expected ErrNotAvailable, got %v", err)
	}
	rec, _ := r.Get(ctx, "d1")
	if rec.Status != models.DriverAvailable {
		t.Fatalf("staleness must not change status, got %s", rec.Status)
	}

	if _, err := r.Heartbeat(ctx, "d1", nearby); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = r.Nearby(ctx, pickup, 1000, models.VehicleCar, 0)
	if len(got) != 1 {
		t.Fatalf("expected driver back after heartbeat, got %v", geo.IDs(got))
	}
}

func TestIndexFollowsStatus(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, NewMemoryStore())
	_, _ = r.SetAvailable(ctx, "d1", pickup, models.VehicleCar)
	_, _ = r.SetAvailable(ctx, "d2", nearby, models.VehicleCar)

	if _, err := r.SetBusy(ctx, "d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, _ := r.Nearby(ctx, pickup, 1000, models.VehicleCar, 0)
	if len(got) != 1 || got[0].DriverID != "d2" {
		t.Fatalf("expected only d2 while d1 busy, got %v", geo.IDs(got))
	}

	// heartbeats from a busy driver must not put it back into the index
	_, _ = r.Heartbeat(ctx, "d1", pickup)
	got, _ = r.Nearby(ctx, pickup, 1000, models.VehicleCar, 0)
	if len(got) != 1 {
		t.Fatalf("expected busy driver to stay out of the index, got %v", geo.IDs(got))
	}

	_, _ = r.Release(ctx, "d1")
	got, _ = r.Nearby(ctx, pickup, 1000, models.VehicleCar, 0)
	if len(got) != 2 || got[0].DriverID != "d1" {
		t.Fatalf("expected d1 first after release, got %v", geo.IDs(got))
	}
}

func TestInputValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, NewMemoryStore())
	if _, err := r.SetAvailable(ctx, "d1", models.Coord{Lat: 91, Lon: 0}, models.VehicleCar); !errors.Is(err, errs.ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
	if _, err := r.SetAvailable(ctx, "d1", pickup, ""); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := r.Heartbeat(ctx, "ghost", pickup); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown driver, got %v", err)
	}
	if _, err := r.SetBusy(ctx, "ghost"); !errors.Is(err, errs.ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable for unknown driver, got %v", err)
	}
}
