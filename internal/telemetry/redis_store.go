package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/geo"
)

const scanBatch = 500

// RedisStore keeps positions in one Redis GEO set plus a per-entity hash
// whose key expiry doubles as the record lifetime. The GEO set itself never
// expires members, so every read cross-checks the hash and the sweeper
// trims members whose hash is gone.
type RedisStore struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	geoKey string
	prefix string
}

// NewRedisStore creates a Redis-backed store. prefix namespaces every key
// (e.g. "nirbhaya").
func NewRedisStore(rdb redis.UniversalClient, clk clock.Clock, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "nirbhaya"
	}
	return &RedisStore{
		rdb:    rdb,
		clock:  clk,
		geoKey: prefix + ":positions",
		prefix: prefix + ":pos:",
	}
}

func (r *RedisStore) metaKey(entityID string) string { return r.prefix + entityID }

func (r *RedisStore) Put(ctx context.Context, rec Record) error {
	remaining := rec.ExpiresAt.Sub(r.clock.Now())
	if remaining <= 0 {
		// Already invisible; make sure an older record does not linger.
		return r.Remove(ctx, rec.EntityID)
	}
	key := r.metaKey(rec.EntityID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
			Name:      rec.EntityID,
			Longitude: rec.Location.Lon,
			Latitude:  rec.Location.Lat,
		})
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"lat", strconv.FormatFloat(rec.Location.Lat, 'f', -1, 64),
			"lon", strconv.FormatFloat(rec.Location.Lon, 'f', -1, 64),
			"acc", strconv.FormatFloat(rec.AccuracyM, 'f', -1, 64),
			"rec", strconv.FormatInt(rec.RecordedAt.UnixNano(), 10),
			"exp", strconv.FormatInt(rec.ExpiresAt.UnixNano(), 10),
		)
		pipe.PExpire(ctx, key, remaining)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, entityID string) (*Record, error) {
	fields, err := r.rdb.HGetAll(ctx, r.metaKey(entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	rec, ok := decodeRecord(entityID, fields)
	if !ok || rec.Expired(r.clock.Now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *RedisStore) Remove(ctx context.Context, entityID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.geoKey, entityID)
		pipe.Del(ctx, r.metaKey(entityID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove: %w", err)
	}
	return nil
}

func (r *RedisStore) RadiusQuery(ctx context.Context, center geo.Point, radiusM float64) ([]Result, error) {
	locs, err := r.rdb.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(locs) == 0 {
		return []Result{}, nil
	}

	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = l.Name
	}
	recs, err := r.load(ctx, names)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	results := make([]Result, 0, len(recs))
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		// Recompute on our sphere; Redis uses a slightly different radius
		// and quantises coordinates.
		d := geo.DistanceM(center, rec.Location)
		if d > radiusM {
			continue
		}
		results = append(results, Result{
			EntityID:   rec.EntityID,
			DistanceM:  d,
			Location:   rec.Location,
			RecordedAt: rec.RecordedAt,
		})
	}
	return results, nil
}

// load fetches the metadata hashes for names in one pipeline. Members whose
// hash has expired are omitted.
func (r *RedisStore) load(ctx context.Context, names []string) ([]Record, error) {
	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, n := range names {
			cmds[i] = pipe.HGetAll(ctx, r.metaKey(n))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load: %w", err)
	}

	out := make([]Record, 0, len(names))
	for i, cmd := range cmds {
		if rec, ok := decodeRecord(names[i], cmd.Val()); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RedisStore) Snapshot(ctx context.Context) ([]Record, error) {
	now := r.clock.Now()
	var out []Record
	err := r.scanMembers(ctx, func(names []string) error {
		recs, err := r.load(ctx, names)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !rec.Expired(now) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	evicted := 0
	err := r.scanMembers(ctx, func(names []string) error {
		cmds := make([]*redis.IntCmd, len(names))
		_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, n := range names {
				cmds[i] = pipe.Exists(ctx, r.metaKey(n))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis sweep exists: %w", err)
		}
		var gone []interface{}
		for i, cmd := range cmds {
			if cmd.Val() == 0 {
				gone = append(gone, names[i])
			}
		}
		if len(gone) == 0 {
			return nil
		}
		n, err := r.rdb.ZRem(ctx, r.geoKey, gone...).Result()
		if err != nil {
			return fmt.Errorf("redis sweep zrem: %w", err)
		}
		evicted += int(n)
		return nil
	})
	if err != nil {
		return evicted, err
	}
	if n, err := r.rdb.ZCard(ctx, r.geoKey).Result(); err == nil {
		liveRecords.Set(float64(n))
	}
	return evicted, nil
}

// scanMembers walks the GEO set in batches. ZSCAN replies alternate member
// and score.
func (r *RedisStore) scanMembers(ctx context.Context, fn func(names []string) error) error {
	var cursor uint64
	for {
		kv, next, err := r.rdb.ZScan(ctx, r.geoKey, cursor, "", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis zscan: %w", err)
		}
		names := make([]string, 0, len(kv)/2)
		for i := 0; i < len(kv); i += 2 {
			names = append(names, kv[i])
		}
		if len(names) > 0 {
			if err := fn(names); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks connectivity for the health registry.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func decodeRecord(entityID string, f map[string]string) (Record, bool) {
	if len(f) == 0 {
		return Record{}, false
	}
	lat, err1 := strconv.ParseFloat(f["lat"], 64)
	lon, err2 := strconv.ParseFloat(f["lon"], 64)
	rec, err3 := strconv.ParseInt(f["rec"], 10, 64)
	exp, err4 := strconv.ParseInt(f["exp"], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Record{}, false
	}
	acc, _ := strconv.ParseFloat(f["acc"], 64)
	return Record{
		EntityID:   entityID,
		Location:   geo.Point{Lat: lat, Lon: lon},
		AccuracyM:  acc,
		RecordedAt: time.Unix(0, rec).UTC(),
		ExpiresAt:  time.Unix(0, exp).UTC(),
	}, true
}
