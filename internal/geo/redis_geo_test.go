package geo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

func newRedisIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisIndex(rc, "test_geo")
}

func TestRedisIndexNearby(t *testing.T) {
	ctx := context.Background()
	idx := newRedisIndex(t)
	if err := idx.Upsert(ctx, entry("d2", 40.7320, -73.9352, models.VehicleCar, 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleCar, 1))
	_ = idx.Upsert(ctx, entry("bike", 40.7308, -73.9352, models.VehicleBike, 1))

	got, err := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: models.VehicleCar})
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if diff := cmp.Diff([]string{"d1", "d2"}, IDs(got)); diff != "" {
		t.Fatalf("nearby (-want +got):\n%s", diff)
	}

	all, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000})
	if len(all) != 3 || all[0].DriverID != "bike" {
		t.Fatalf("expected all classes nearest first, got %v", IDs(all))
	}
}

func TestRedisIndexEmpty(t *testing.T) {
	idx := newRedisIndex(t)
	got, err := idx.Nearby(context.Background(), Query{Point: manhattan, RadiusM: 500, Class: models.VehicleCar})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %#v", got)
	}
}

func TestRedisIndexRemoveAndVersions(t *testing.T) {
	ctx := context.Background()
	idx := newRedisIndex(t)
	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleCar, 1))
	if err := idx.Remove(ctx, "d1", 2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleCar, 1))
	got, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: models.VehicleCar})
	if len(got) != 0 {
		t.Fatalf("expected stale upsert ignored, got %v", IDs(got))
	}
}

func TestRedisIndexStaleness(t *testing.T) {
	ctx := context.Background()
	idx := newRedisIndex(t)
	old := entry("old", 40.7310, -73.9352, models.VehicleCar, 1)
	old.Heartbeat = time.Now().Add(-10 * time.Minute)
	_ = idx.Upsert(ctx, old)
	_ = idx.Upsert(ctx, entry("new", 40.7311, -73.9352, models.VehicleCar, 1))

	got, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: models.VehicleCar, FreshSince: time.Now().Add(-time.Minute)})
	if diff := cmp.Diff([]string{"new"}, IDs(got)); diff != "" {
		t.Fatalf("expected only fresh driver (-want +got):\n%s", diff)
	}
}

func TestRedisIndexClassChange(t *testing.T) {
	ctx := context.Background()
	idx := newRedisIndex(t)
	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleCar, 1))
	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleSUV, 2))
	cars, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: models.VehicleCar})
	if len(cars) != 0 {
		t.Fatalf("expected driver to leave the car set, got %v", IDs(cars))
	}
	suvs, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: models.VehicleSUV})
	if len(suvs) != 1 {
		t.Fatalf("expected driver in the suv set, got %v", IDs(suvs))
	}
}

func TestRedisIndexKeysShareHashTag(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	idx := NewRedisIndex(rc, "test_geo")

	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleCar, 1))
	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleSUV, 2))
	if err := idx.Remove(ctx, "d1", 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = idx.Upsert(ctx, entry("d2", 40.7310, -73.9352, models.VehicleBike, 1))

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("expected keys to be written")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "{test_geo}:") {
			t.Fatalf("key %q is outside the {test_geo} hash slot", k)
		}
	}
	if mr.Exists("{test_geo}:class:suv") {
		members, _ := mr.ZMembers("{test_geo}:class:suv")
		if len(members) != 0 {
			t.Fatalf("removed driver left in the suv set: %v", members)
		}
	}
}

func TestRedisIndexRereadsClassChangedUnderneath(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	idx := NewRedisIndex(rc, "test_geo")

	_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleCar, 1))
	calls := 0
	err := idx.withOldClass(ctx, "d1", func(old string) *redis.Cmd {
		calls++
		if calls == 1 {
			if old != string(models.VehicleCar) {
				t.Fatalf("expected car as the old class, got %q", old)
			}
			// a concurrent writer moves the driver before the script runs
			_ = idx.Upsert(ctx, entry("d1", 40.7310, -73.9352, models.VehicleSUV, 2))
		}
		return upsertScript.Run(ctx, rc,
			[]string{idx.versionsKey(), idx.classesKey(), idx.heartbeatKey(), idx.allKey(), idx.classKey(models.VehicleLuxury), idx.classKey(models.VehicleClass(old))},
			"d1", 3, "-73.9352", "40.731", string(models.VehicleLuxury), time.Now().UnixMilli(), old)
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one reread after the class changed, got %d runs", calls)
	}
	for _, class := range []models.VehicleClass{models.VehicleCar, models.VehicleSUV} {
		got, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: class})
		if len(got) != 0 {
			t.Fatalf("driver left behind in the %s set", class)
		}
	}
	lux, _ := idx.Nearby(ctx, Query{Point: manhattan, RadiusM: 2000, Class: models.VehicleLuxury})
	if len(lux) != 1 {
		t.Fatalf("expected driver in the luxury set, got %v", IDs(lux))
	}
}
