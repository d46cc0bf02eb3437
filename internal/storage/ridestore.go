package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// RideStore defines persistence operations for rides. CompareAndSwap is the
// only way to change a stored ride: it writes r only if the stored version
// still equals expectedVersion, and stores it as expectedVersion+1.
type RideStore interface {
	Create(ctx context.Context, r models.Ride) error
	Get(ctx context.Context, id string) (models.Ride, error)
	CompareAndSwap(ctx context.Context, r models.Ride, expectedVersion int64) (models.Ride, error)
	ListByStatus(ctx context.Context, status models.RideStatus, limit int) ([]models.Ride, error)
	ListByDriver(ctx context.Context, driverID string, limit int) ([]models.Ride, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s exists: %w", r.ID, errs.ErrConflict)
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, errs.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, r models.Ride, expectedVersion int64) (models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %s: %w", r.ID, errs.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return cur, fmt.Errorf("ride %s at version %d, expected %d: %w", r.ID, cur.Version, expectedVersion, errs.ErrConflict)
	}
	r.Version = expectedVersion + 1
	m.rides[r.ID] = r
	return r, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.RideStatus, limit int) ([]models.Ride, error) {
	return m.filter(func(r models.Ride) bool { return r.Status == status }, false, limit), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string, limit int) ([]models.Ride, error) {
	return m.filter(func(r models.Ride) bool {
		return r.DriverID == driverID || r.CancelledDriverID == driverID
	}, true, limit), nil
}

func (m *MemoryStore) ListCreatedBetween(_ context.Context, from, to time.Time, limit int) ([]models.Ride, error) {
	return m.filter(func(r models.Ride) bool {
		return !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	}, false, limit), nil
}

func (m *MemoryStore) filter(keep func(models.Ride) bool, newestFirst bool, limit int) []models.Ride {
	m.mu.RLock()
	out := []models.Ride{}
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
