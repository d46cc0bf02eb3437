package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO sets, one per vehicle class
// plus an "all" set. Heartbeats, classes and versions live in side hashes;
// the version check and the writes run in one script so a late update can
// never resurrect a driver that was removed by a newer one.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

func NewRedisIndex(client *redis.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "drivers_geo"
	}
	return &RedisIndex{client: client, prefix: prefix}
}

// Both scripts touch only declared keys. The driver's previous class set is
// read beforehand and passed in; the script returns -1 if the class changed
// in between and the caller reads it again.

// KEYS: versions, classes, heartbeats, all-set, class-set, old-class-set
// ARGV: id, version, lon, lat, class, heartbeat(ms), old class ("" if none)
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
local old = redis.call('HGET', KEYS[2], ARGV[1]) or ''
if old ~= ARGV[7] then
  return -1
end
if old ~= '' and old ~= ARGV[5] then
  redis.call('ZREM', KEYS[6], ARGV[1])
end
redis.call('GEOADD', KEYS[4], ARGV[3], ARGV[4], ARGV[1])
redis.call('GEOADD', KEYS[5], ARGV[3], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[5])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[6])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS: versions, classes, heartbeats, all-set, old-class-set
// ARGV: id, version, old class ("" if none)
var removeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
local old = redis.call('HGET', KEYS[2], ARGV[1]) or ''
if old ~= ARGV[3] then
  return -1
end
if old ~= '' then
  redis.call('ZREM', KEYS[5], ARGV[1])
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

const classRaceRetries = 8

func (r *RedisIndex) Upsert(ctx context.Context, e Entry) error {
	err := r.withOldClass(ctx, e.DriverID, func(old string) *redis.Cmd {
		oldKey := r.classKey(e.Class)
		if old != "" {
			oldKey = r.classKey(models.VehicleClass(old))
		}
		keys := []string{r.versionsKey(), r.classesKey(), r.heartbeatKey(), r.allKey(), r.classKey(e.Class), oldKey}
		args := []any{
			e.DriverID,
			e.Version,
			strconv.FormatFloat(e.Loc.Lon, 'f', -1, 64),
			strconv.FormatFloat(e.Loc.Lat, 'f', -1, 64),
			string(e.Class),
			e.Heartbeat.UnixMilli(),
			old,
		}
		return upsertScript.Run(ctx, r.client, keys, args...)
	})
	if err != nil {
		return fmt.Errorf("geo upsert %s: %w", e.DriverID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string, version int64) error {
	err := r.withOldClass(ctx, driverID, func(old string) *redis.Cmd {
		oldKey := r.allKey()
		if old != "" {
			oldKey = r.classKey(models.VehicleClass(old))
		}
		keys := []string{r.versionsKey(), r.classesKey(), r.heartbeatKey(), r.allKey(), oldKey}
		return removeScript.Run(ctx, r.client, keys, driverID, version, old)
	})
	if err != nil {
		return fmt.Errorf("geo remove %s: %w", driverID, err)
	}
	return nil
}

// withOldClass reads the driver's current class and runs the script built
// from it, reading again while the script reports a concurrent class change.
func (r *RedisIndex) withOldClass(ctx context.Context, driverID string, run func(old string) *redis.Cmd) error {
	for i := 0; i < classRaceRetries; i++ {
		old, err := r.client.HGet(ctx, r.classesKey(), driverID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		n, err := run(old).Int()
		if err != nil {
			return err
		}
		if n != -1 {
			return nil
		}
	}
	return fmt.Errorf("class changed %d times concurrently", classRaceRetries)
}

func (r *RedisIndex) Nearby(ctx context.Context, q Query) ([]Candidate, error) {
	key := r.allKey()
	if q.Class != "" {
		key = r.classKey(q.Class)
	}
	res, err := r.client.GeoRadius(ctx, key, q.Point.Lon, q.Point.Lat, &redis.GeoRadiusQuery{
		Radius:   q.RadiusM,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := []Candidate{}
	if len(res) == 0 {
		return out, nil
	}

	var beats []any
	if !q.FreshSince.IsZero() {
		names := make([]string, len(res))
		for i, g := range res {
			names[i] = g.Name
		}
		beats, err = r.client.HMGet(ctx, r.heartbeatKey(), names...).Result()
		if err != nil {
			return nil, fmt.Errorf("geo heartbeats: %w", err)
		}
	}
	for i, g := range res {
		if beats != nil && !freshEnough(beats[i], q.FreshSince) {
			continue
		}
		out = append(out, Candidate{DriverID: g.Name, DistanceM: g.Dist})
	}
	// redis orders equal distances arbitrarily
	SortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func freshEnough(v any, since time.Time) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false
	}
	return !time.UnixMilli(ms).Before(since)
}

// Keys share the {prefix} hash tag so a cluster places them in one slot.
func (r *RedisIndex) key(suffix string) string { return "{" + r.prefix + "}:" + suffix }

func (r *RedisIndex) allKey() string       { return r.key("all") }
func (r *RedisIndex) versionsKey() string  { return r.key("version") }
func (r *RedisIndex) classesKey() string   { return r.key("classes") }
func (r *RedisIndex) heartbeatKey() string { return r.key("heartbeat") }
func (r *RedisIndex) classKey(c models.VehicleClass) string {
	return r.key("class:" + string(c))
}
