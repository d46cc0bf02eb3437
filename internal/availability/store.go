package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnchanged may be returned by an UpdateFunc to leave the record as is.
// Update then returns the current record and a nil error.
var ErrUnchanged = errors.New("unchanged")

// UpdateFunc computes the next record from the current one. It must be pure:
// stores may call it more than once and, in memory, call it under a lock.
type UpdateFunc func(cur models.DriverRecord, exists bool) (models.DriverRecord, error)

// Store persists driver availability records. Update is the only write
// primitive and is an atomic read-modify-write; every applied write bumps
// the record version by one.
type Store interface {
	Get(ctx context.Context, driverID string) (models.DriverRecord, error)
	Update(ctx context.Context, driverID string, fn UpdateFunc) (models.DriverRecord, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	drivers map[string]models.DriverRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[string]models.DriverRecord)}
}

func (m *MemoryStore) Get(_ context.Context, driverID string) (models.DriverRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.DriverRecord{}, fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStore) Update(_ context.Context, driverID string, fn UpdateFunc) (models.DriverRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drivers[driverID]
	next, err := fn(cur, ok)
	if errors.Is(err, ErrUnchanged) {
		return cur, nil
	}
	if err != nil {
		return cur, err
	}
	next.ID = driverID
	next.Version = cur.Version + 1
	m.drivers[driverID] = next
	return next, nil
}

// RedisStore keeps one JSON document per driver and applies updates inside
// a WATCH/MULTI optimistic transaction.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "driver:avail:"
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: 16}
}

func (s *RedisStore) key(driverID string) string { return s.prefix + driverID }

func (s *RedisStore) Get(ctx context.Context, driverID string) (models.DriverRecord, error) {
	raw, err := s.client.Get(ctx, s.key(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DriverRecord{}, fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
	}
	if err != nil {
		return models.DriverRecord{}, err
	}
	var d models.DriverRecord
	if err := json.Unmarshal(raw, &d); err != nil {
		return models.DriverRecord{}, fmt.Errorf("decode driver %s: %w", driverID, err)
	}
	return d, nil
}

func (s *RedisStore) Update(ctx context.Context, driverID string, fn UpdateFunc) (models.DriverRecord, error) {
	key := s.key(driverID)
	var result models.DriverRecord
	txf := func(tx *redis.Tx) error {
		var cur models.DriverRecord
		exists := true
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("decode driver %s: %w", driverID, err)
			}
		}
		next, err := fn(cur, exists)
		if errors.Is(err, ErrUnchanged) {
			result = cur
			return nil
		}
		if err != nil {
			result = cur
			return err
		}
		next.ID = driverID
		next.Version = cur.Version + 1
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return models.DriverRecord{}, fmt.Errorf("driver %s: contended update: %w", driverID, errs.ErrUnavailable)
}
