package rides

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup      = models.Coord{Lat: 40.7306, Lon: -73.9352}
	destination = models.Coord{Lat: 40.7406, Lon: -73.9252}
	rider       = models.Principal{ID: "rider-1", Role: models.RoleRider}
)

// recorder captures notifications in order.
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(kind models.EventKind, ride models.Ride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Event{Kind: kind, RideID: ride.ID, Status: ride.Status})
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	svc      *Service
	registry *availability.Registry
	store    *storage.MemoryStore
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, func(m *storage.MemoryStore) storage.RideStore { return m })
}

// newFixtureWithStore lets a test put a wrapper between the service and the
// memory store. f.store stays the underlying store.
func newFixtureWithStore(t *testing.T, wrap func(*storage.MemoryStore) storage.RideStore) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := availability.NewRegistry(availability.NewMemoryStore(), geo.NewGridIndex(0), time.Minute, logger)
	store := storage.NewMemoryStore()
	events := &recorder{}
	svc := NewService(wrap(store), registry, events, logger,
		WithRetry(retry.Policy{Attempts: 2, Delay: time.Millisecond}),
		WithOTP(func() (string, error) { return "4821", nil }),
	)
	return &fixture{svc: svc, registry: registry, store: store, events: events}
}

func (f *fixture) online(t *testing.T, driverID string) {
	t.Helper()
	if _, err := f.registry.SetAvailable(context.Background(), driverID, pickup, models.VehicleCar); err != nil {
		t.Fatalf("set available %s: %v", driverID, err)
	}
}

func (f *fixture) request(t *testing.T) models.Ride {
	t.Helper()
	r, err := f.svc.Request(context.Background(), RequestCommand{
		RiderID: rider.ID, Pickup: pickup, Destination: destination, VehicleClass: models.VehicleCar,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return r
}

func (f *fixture) driverStatus(t *testing.T, driverID string) models.Availability {
	t.Helper()
	rec, err := f.registry.Get(context.Background(), driverID)
	if err != nil {
		t.Fatalf("get driver %s: %v", driverID, err)
	}
	return rec.Status
}

func TestRequestCreatesPendingRideWithFare(t *testing.T) {
	f := newFixture(t)
	r := f.request(t)
	if r.Status != models.RidePending || r.DriverID != "" {
		t.Fatalf("expected pending unassigned ride, got %+v", r)
	}
	if r.FareEstimate.Amount <= 0 || r.FareEstimate.Currency == "" {
		t.Fatalf("expected positive fare, got %+v", r.FareEstimate)
	}
	if r.ID == "" {
		t.Fatal("expected an id")
	}
	if got := f.events.kinds(); len(got) != 1 || got[0] != models.EventRequested {
		t.Fatalf("expected one requested event, got %v", got)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name string
		cmd  RequestCommand
		want error
	}{
		{"missing rider", RequestCommand{Pickup: pickup, Destination: destination, VehicleClass: models.VehicleCar}, errs.ErrInvalidInput},
		{"bad pickup", RequestCommand{RiderID: "r", Pickup: models.Coord{Lat: 91}, Destination: destination, VehicleClass: models.VehicleCar}, errs.ErrInvalidLocation},
		{"bad destination", RequestCommand{RiderID: "r", Pickup: pickup, Destination: models.Coord{Lon: 181}, VehicleClass: models.VehicleCar}, errs.ErrInvalidLocation},
		{"unknown class", RequestCommand{RiderID: "r", Pickup: pickup, Destination: destination, VehicleClass: "rocket"}, errs.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Request(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)

	accepted, err := f.svc.Accept(ctx, r.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.DriverID != "d1" || accepted.OTP != "4821" || accepted.AcceptedAt == nil {
		t.Fatalf("unexpected accepted ride: %+v", accepted)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverBusy {
		t.Fatalf("expected driver busy, got %s", got)
	}

	if _, err := f.svc.Start(ctx, r.ID, "d1", "4821"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.svc.End(ctx, r.ID, "d1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if done.Status != models.RideCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed ride: %+v", done)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverAvailable {
		t.Fatalf("expected driver released, got %s", got)
	}

	var path []models.RideStatus
	f.events.mu.Lock()
	for _, e := range f.events.events {
		path = append(path, e.Status)
	}
	f.events.mu.Unlock()
	if !Legal(path) {
		t.Fatalf("observed statuses are not a legal path: %v", path)
	}
	if len(path) != 4 {
		t.Fatalf("expected 4 events, got %v", path)
	}
}

func TestEndTwiceIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	_, _ = f.svc.Accept(ctx, r.ID, "d1")
	_, _ = f.svc.Start(ctx, r.ID, "d1", "4821")
	if _, err := f.svc.End(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err := f.svc.End(ctx, r.ID, "d1")
	var ite *errs.InvalidTransitionError
	if !errors.As(err, &ite) || ite.From != string(models.RideCompleted) {
		t.Fatalf("expected invalid transition from completed, got %v", err)
	}
}

func TestWrongOTPLeavesRideAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	_, _ = f.svc.Accept(ctx, r.ID, "d1")

	if _, err := f.svc.Start(ctx, r.ID, "d1", "0000"); !errors.Is(err, errs.ErrOTPMismatch) {
		t.Fatalf("expected ErrOTPMismatch, got %v", err)
	}
	got, _ := f.svc.Get(ctx, r.ID)
	if got.Status != models.RideAccepted || got.StartedAt != nil {
		t.Fatalf("wrong otp mutated ride: %+v", got)
	}
}

func TestOnlyAssignedDriverMayStartOrEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	_, _ = f.svc.Accept(ctx, r.ID, "d1")

	if _, err := f.svc.Start(ctx, r.ID, "d2", "4821"); !errors.Is(err, errs.ErrNotAssignedDriver) {
		t.Fatalf("expected ErrNotAssignedDriver, got %v", err)
	}
	_, _ = f.svc.Start(ctx, r.ID, "d1", "4821")
	if _, err := f.svc.End(ctx, r.ID, "d2"); !errors.Is(err, errs.ErrNotAssignedDriver) {
		t.Fatalf("expected ErrNotAssignedDriver, got %v", err)
	}
}

func TestAcceptRejectsUnavailableDriverAndAssignedRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t)

	if _, err := f.svc.Accept(ctx, r.ID, "ghost"); !errors.Is(err, errs.ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable for unknown driver, got %v", err)
	}

	f.online(t, "d1")
	f.online(t, "d2")
	if _, err := f.svc.Accept(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.Accept(ctx, r.ID, "d2"); !errors.Is(err, errs.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if got := f.driverStatus(t, "d2"); got != models.DriverAvailable {
		t.Fatalf("losing driver should stay available, got %s", got)
	}

	other := f.request(t)
	if _, err := f.svc.Accept(ctx, other.ID, "d1"); !errors.Is(err, errs.ErrDriverUnavailable) {
		t.Fatalf("busy driver: expected ErrDriverUnavailable, got %v", err)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const drivers = 2
	for i := 0; i < drivers; i++ {
		f.online(t, fmt.Sprintf("d%d", i))
	}
	r := f.request(t)

	start := make(chan struct{})
	results := make(chan error, drivers)
	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		id := fmt.Sprintf("d%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Accept(ctx, r.ID, id)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	success, assigned := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, errs.ErrAlreadyAssigned):
			assigned++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || assigned != drivers-1 {
		t.Fatalf("expected 1 success and %d already-assigned, got %d and %d", drivers-1, success, assigned)
	}

	got, _ := f.svc.Get(ctx, r.ID)
	busy := 0
	for i := 0; i < drivers; i++ {
		id := fmt.Sprintf("d%d", i)
		if f.driverStatus(t, id) == models.DriverBusy {
			busy++
			if got.DriverID != id {
				t.Fatalf("busy driver %s is not the assigned driver %s", id, got.DriverID)
			}
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly one busy driver, got %d", busy)
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	_, _ = f.svc.Accept(ctx, r.ID, "d1")

	cancelled, err := f.svc.Cancel(ctx, r.ID, rider)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.RideCancelled || cancelled.DriverID != "" || cancelled.CancelledDriverID != "d1" {
		t.Fatalf("unexpected cancelled ride: %+v", cancelled)
	}
	if cancelled.CancelledBy != models.RoleRider {
		t.Fatalf("expected cancelled by rider, got %s", cancelled.CancelledBy)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverAvailable {
		t.Fatalf("expected driver released, got %s", got)
	}
	if _, err := f.svc.Cancel(ctx, r.ID, rider); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("second cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)

	stranger := models.Principal{ID: "rider-2", Role: models.RoleRider}
	if _, err := f.svc.Cancel(ctx, r.ID, stranger); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	driver := models.Principal{ID: "d1", Role: models.RoleDriver}
	if _, err := f.svc.Cancel(ctx, r.ID, driver); !errors.Is(err, errs.ErrNotAssignedDriver) {
		t.Fatalf("unassigned driver: expected ErrNotAssignedDriver, got %v", err)
	}
	_, _ = f.svc.Accept(ctx, r.ID, "d1")
	if _, err := f.svc.Cancel(ctx, r.ID, driver); err != nil {
		t.Fatalf("assigned driver cancel: %v", err)
	}
}

func TestCancelAfterStartIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	_, _ = f.svc.Accept(ctx, r.ID, "d1")
	_, _ = f.svc.Start(ctx, r.ID, "d1", "4821")

	if _, err := f.svc.Cancel(ctx, r.ID, models.SystemPrincipal); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverBusy {
		t.Fatalf("driver should stay busy on an ongoing ride, got %s", got)
	}
}

func TestCancelRacingAcceptNeverStrandsDriver(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		f.online(t, "d1")
		r := f.request(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = f.svc.Accept(ctx, r.ID, "d1") }()
		go func() { defer wg.Done(); _, _ = f.svc.Cancel(ctx, r.ID, rider) }()
		wg.Wait()

		got, _ := f.svc.Get(ctx, r.ID)
		status := f.driverStatus(t, "d1")
		switch got.Status {
		case models.RideCancelled:
			if status != models.DriverAvailable {
				t.Fatalf("ride cancelled but driver %s", status)
			}
		case models.RideAccepted:
			if status != models.DriverBusy || got.DriverID != "d1" {
				t.Fatalf("ride accepted but driver %s", status)
			}
		default:
			t.Fatalf("unexpected ride status %s", got.Status)
		}
	}
}

func TestVisible(t *testing.T) {
	r := models.Ride{ID: "x", RiderID: "rider-1", DriverID: "d1", OTP: "1234"}
	if got, ok := Visible(r, rider); !ok || got.OTP != "1234" {
		t.Fatalf("rider should see otp, got %+v %v", got, ok)
	}
	if got, ok := Visible(r, models.Principal{ID: "d1", Role: models.RoleDriver}); !ok || got.OTP != "1234" {
		t.Fatalf("assigned driver should see ride, got %+v %v", got, ok)
	}
	if _, ok := Visible(r, models.Principal{ID: "d2", Role: models.RoleDriver}); ok {
		t.Fatal("other driver must not see ride")
	}
	if _, ok := Visible(r, models.Principal{ID: "rider-2", Role: models.RoleRider}); ok {
		t.Fatal("other rider must not see ride")
	}
	cancelled := models.Ride{ID: "y", RiderID: "rider-1", CancelledDriverID: "d1", OTP: "1234"}
	if got, ok := Visible(cancelled, models.Principal{ID: "d1", Role: models.RoleDriver}); !ok || got.OTP != "" {
		t.Fatalf("cancelled driver should see redacted ride, got %+v %v", got, ok)
	}
}

func TestGenerateOTP(t *testing.T) {
	for i := 0; i < 50; i++ {
		otp, err := GenerateOTP()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(otp) != 4 {
			t.Fatalf("expected 4 digits, got %q", otp)
		}
		for _, c := range otp {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit in %q", otp)
			}
		}
	}
}

var errReset = errors.New("connection reset")

// flakyStore fails ride writes on demand. failWrites rejects the next writes
// without applying them; dropReplies applies the next writes and then reports
// an error. With readsDown set, every read fails once a reply was dropped.
type flakyStore struct {
	*storage.MemoryStore

	mu          sync.Mutex
	failWrites  int
	dropReplies int
	readsDown   bool
	dropped     bool
	writes      int
}

func (s *flakyStore) Get(ctx context.Context, id string) (models.Ride, error) {
	s.mu.Lock()
	down := s.readsDown && s.dropped
	s.mu.Unlock()
	if down {
		return models.Ride{}, errReset
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, r models.Ride, expectedVersion int64) (models.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failWrites > 0 {
		s.failWrites--
		return models.Ride{}, errReset
	}
	saved, err := s.MemoryStore.CompareAndSwap(ctx, r, expectedVersion)
	if err == nil && s.dropReplies > 0 {
		s.dropReplies--
		s.dropped = true
		return models.Ride{}, errReset
	}
	return saved, err
}

func (s *flakyStore) set(fn func(*flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
	s.writes = 0
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyStore) {
	t.Helper()
	flaky := &flakyStore{}
	f := newFixtureWithStore(t, func(m *storage.MemoryStore) storage.RideStore {
		flaky.MemoryStore = m
		return flaky
	})
	return f, flaky
}

func TestTransientWriteFailureIsRetried(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	if _, err := f.svc.Accept(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	flaky.set(func(s *flakyStore) { s.failWrites = 1 })
	started, err := f.svc.Start(ctx, r.ID, "d1", "4821")
	if err != nil {
		t.Fatalf("start after one failed write: %v", err)
	}
	if started.Status != models.RideOngoing {
		t.Fatalf("expected ongoing, got %s", started.Status)
	}
	if flaky.writes != 2 {
		t.Fatalf("expected 2 writes, got %d", flaky.writes)
	}
}

func TestLostWriteReplyIsRecognisedOnReread(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	accepted, err := f.svc.Accept(ctx, r.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	flaky.set(func(s *flakyStore) { s.dropReplies = 1 })
	started, err := f.svc.Start(ctx, r.ID, "d1", "4821")
	if err != nil {
		t.Fatalf("start with lost reply: %v", err)
	}
	if started.Status != models.RideOngoing || started.Version != accepted.Version+1 {
		t.Fatalf("expected ongoing at version %d, got %s at %d", accepted.Version+1, started.Status, started.Version)
	}
	// the landed write is not applied a second time
	if flaky.writes != 1 {
		t.Fatalf("expected a single write, got %d", flaky.writes)
	}
	stored, _ := f.store.Get(ctx, r.ID)
	if stored.Version != started.Version {
		t.Fatalf("stored version %d, returned %d", stored.Version, started.Version)
	}
}

func TestExhaustedWriteRetriesAreUnavailable(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)
	if _, err := f.svc.Accept(ctx, r.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	flaky.set(func(s *flakyStore) { s.failWrites = 10 })
	_, err := f.svc.Start(ctx, r.ID, "d1", "4821")
	if !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if flaky.writes != 2 {
		t.Fatalf("expected writes bounded by the retry policy, got %d", flaky.writes)
	}
	stored, _ := f.store.Get(ctx, r.ID)
	if stored.Status != models.RideAccepted {
		t.Fatalf("failed writes changed the ride: %+v", stored)
	}
}

func TestAcceptWithUnknownOutcomeKeepsDriverBusy(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)

	flaky.set(func(s *flakyStore) {
		s.dropReplies = 1
		s.readsDown = true
	})
	_, err := f.svc.Accept(ctx, r.ID, "d1")
	if !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	stored, _ := f.store.Get(ctx, r.ID)
	if stored.Status != models.RideAccepted || stored.DriverID != "d1" {
		t.Fatalf("expected the write to have landed, got %+v", stored)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverBusy {
		t.Fatalf("driver holding an accepted ride was released: %s", got)
	}
}

func TestAcceptReleasesDriverWhenWriteNeverLanded(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)

	flaky.set(func(s *flakyStore) { s.failWrites = 10 })
	if _, err := f.svc.Accept(ctx, r.ID, "d1"); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	stored, _ := f.store.Get(ctx, r.ID)
	if stored.Status != models.RidePending {
		t.Fatalf("expected ride still pending, got %s", stored.Status)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverAvailable {
		t.Fatalf("expected driver released, got %s", got)
	}
}

func TestAcceptRecognisesLostReply(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	f.online(t, "d1")
	r := f.request(t)

	flaky.set(func(s *flakyStore) { s.dropReplies = 1 })
	accepted, err := f.svc.Accept(ctx, r.ID, "d1")
	if err != nil {
		t.Fatalf("accept with lost reply: %v", err)
	}
	if accepted.DriverID != "d1" || accepted.Status != models.RideAccepted {
		t.Fatalf("unexpected ride: %+v", accepted)
	}
	if got := f.driverStatus(t, "d1"); got != models.DriverBusy {
		t.Fatalf("expected driver busy, got %s", got)
	}
}
