package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// Nil is re-exported so callers can detect missing keys without importing
// go-redis directly.
var Nil = redis.Nil

// GeoLocation is a member of the geo-sorted structure with its coordinates
// and, for radius queries, the distance from the query point in km.
type GeoLocation struct {
	Name       string
	Longitude  float64
	Latitude   float64
	DistanceKm float64
}

// KV provides typed accessors over the key/value store. Every method
// translates connection-level failures into domain.ErrStoreUnavailable so
// callers can apply their cache-miss or fail-open policies uniformly.
type KV struct {
	cmd Cmdable
}

// NewKV creates a KV facade over cmd.
func NewKV(cmd Cmdable) *KV {
	return &KV{cmd: cmd}
}

// Cmd exposes the underlying command interface for call sites that need
// operations outside the typed surface (Lua scripts, blocking pops).
func (k *KV) Cmd() Cmdable { return k.cmd }

// Get returns the string value at key. Missing keys return ("", false, nil).
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := k.cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("GET", key, err)
	}
	return val, true, nil
}

// GetJSON unmarshals the value at key into dest. Missing keys return (false, nil).
func (k *KV) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, found, err := k.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("decode cached value %q: %w", key, err)
	}
	return true, nil
}

// SetEx stores value at key with a TTL.
func (k *KV) SetEx(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := k.cmd.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeErr("SETEX", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it at key with a TTL.
func (k *KV) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	return k.SetEx(ctx, key, string(b), ttl)
}

// SetNX stores value only if key does not exist. Returns whether the write won.
func (k *KV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := k.cmd.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, storeErr("SETNX", key, err)
	}
	return ok, nil
}

// Del removes the given keys.
func (k *KV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := k.cmd.Del(ctx, keys...).Err(); err != nil {
		return storeErr("DEL", keys[0], err)
	}
	return nil
}

// Exists reports whether key exists.
func (k *KV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := k.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("EXISTS", key, err)
	}
	return n > 0, nil
}

// Incr increments the counter at key and returns the new value.
func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := k.cmd.Incr(ctx, key).Result()
	if err != nil {
		return 0, storeErr("INCR", key, err)
	}
	return n, nil
}

// Expire sets a TTL on an existing key.
func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := k.cmd.Expire(ctx, key, ttl).Err(); err != nil {
		return storeErr("EXPIRE", key, err)
	}
	return nil
}

// TTL returns the remaining TTL of key.
func (k *KV) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := k.cmd.TTL(ctx, key).Result()
	if err != nil {
		return 0, storeErr("TTL", key, err)
	}
	return d, nil
}

// Keys returns keys matching pattern. Administrative use only - KEYS walks
// the whole keyspace and must never run on a request hot path.
func (k *KV) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := k.cmd.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, storeErr("KEYS", pattern, err)
	}
	return keys, nil
}

// HSet writes the given field/value pairs into the hash at key.
func (k *KV) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := k.cmd.HSet(ctx, key, args...).Err(); err != nil {
		return storeErr("HSET", key, err)
	}
	return nil
}

// HGetAll returns all fields of the hash at key. Missing hashes return an
// empty map.
func (k *KV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := k.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeErr("HGETALL", key, err)
	}
	return m, nil
}

// ZAdd adds a member with a score to the sorted set at key.
func (k *KV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := k.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return storeErr("ZADD", key, err)
	}
	return nil
}

// ZRem removes members from the sorted set at key.
func (k *KV) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := k.cmd.ZRem(ctx, key, args...).Err(); err != nil {
		return storeErr("ZREM", key, err)
	}
	return nil
}

// ZRange returns members of the sorted set at key by rank.
func (k *KV) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := k.cmd.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, storeErr("ZRANGE", key, err)
	}
	return members, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (k *KV) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := k.cmd.ZCard(ctx, key).Result()
	if err != nil {
		return 0, storeErr("ZCARD", key, err)
	}
	return n, nil
}

// GeoAdd writes a member's coordinates into the geo structure at key.
func (k *KV) GeoAdd(ctx context.Context, key string, loc GeoLocation) error {
	err := k.cmd.GeoAdd(ctx, key, &redis.GeoLocation{
		Name:      loc.Name,
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
	}).Err()
	if err != nil {
		return storeErr("GEOADD", key, err)
	}
	return nil
}

// GeoRadius returns members within radiusKm of the given point, ordered by
// ascending distance, at most limit entries.
func (k *KV) GeoRadius(ctx context.Context, key string, lng, lat, radiusKm float64, limit int) ([]GeoLocation, error) {
	locs, err := k.cmd.GeoRadius(ctx, key, lng, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, storeErr("GEORADIUS", key, err)
	}

	out := make([]GeoLocation, len(locs))
	for i, l := range locs {
		out[i] = GeoLocation{
			Name:       l.Name,
			Longitude:  l.Longitude,
			Latitude:   l.Latitude,
			DistanceKm: l.Dist,
		}
	}
	return out, nil
}

// Pipeline executes fn against a command pipeline and flushes it once.
func (k *KV) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	if _, err := k.cmd.Pipelined(ctx, fn); err != nil {
		return storeErr("PIPELINE", "", err)
	}
	return nil
}

func storeErr(op, key string, err error) error {
	return fmt.Errorf("redis %s %q: %w", op, key, errors.Join(err, domain.ErrStoreUnavailable))
}
