package adapter

import (
	"context"
	"strconv"
	"time"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

// Key prefixes for the versioned listing cache.
const (
	pairedVersionPrefix   = "paired:ver:"
	vehiclesVersionPrefix = "vehicles:ver:"
	countActivePrefix     = "paired:count:active:"
	countAllPrefix        = "paired:count:all:"
)

// Compile-time check: ListCache satisfies app.ListCache.
var _ app.ListCache = (*ListCache)(nil)

// ListCache implements the versioned listing cache over Redis. Page keys
// embed a per-user version, so invalidation is one INCR instead of a scan.
type ListCache struct {
	kv *redisclient.KV
}

// NewListCache creates a ListCache over kv.
func NewListCache(kv *redisclient.KV) *ListCache {
	return &ListCache{kv: kv}
}

// Version returns the user's paired-device listing version, initializing
// it on first use.
func (c *ListCache) Version(ctx context.Context, userID string) (int64, error) {
	return c.version(ctx, pairedVersionPrefix+userID)
}

// VehiclesVersion returns the user's vehicles listing version.
func (c *ListCache) VehiclesVersion(ctx context.Context, userID string) (int64, error) {
	return c.version(ctx, vehiclesVersionPrefix+userID)
}

func (c *ListCache) version(ctx context.Context, key string) (int64, error) {
	val, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		if err := c.kv.SetEx(ctx, key, "1", domain.ListVersionTTL); err != nil {
			return 0, err
		}
		return 1, nil
	}
	v, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Unparseable version falls back to 1; the next bump repairs it.
		return 1, nil
	}
	return v, nil
}

// BumpVersion advances both listing versions, orphaning every cached page
// at the old versions.
func (c *ListCache) BumpVersion(ctx context.Context, userID string) error {
	for _, key := range []string{pairedVersionPrefix + userID, vehiclesVersionPrefix + userID} {
		if _, err := c.kv.Incr(ctx, key); err != nil {
			return err
		}
		if err := c.kv.Expire(ctx, key, domain.ListVersionTTL); err != nil {
			return err
		}
	}
	return nil
}

// GetPage reads a cached listing page.
func (c *ListCache) GetPage(ctx context.Context, key string, dest any) (bool, error) {
	return c.kv.GetJSON(ctx, key, dest)
}

// SetPage stores a listing page with its short TTL.
func (c *ListCache) SetPage(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.kv.SetJSON(ctx, key, value, ttl)
}

// GetCounts reads both per-user counters. Either missing counts as a miss.
func (c *ListCache) GetCounts(ctx context.Context, userID string) (app.Counts, bool, error) {
	activeRaw, foundActive, err := c.kv.Get(ctx, countActivePrefix+userID)
	if err != nil {
		return app.Counts{}, false, err
	}
	allRaw, foundAll, err := c.kv.Get(ctx, countAllPrefix+userID)
	if err != nil {
		return app.Counts{}, false, err
	}
	if !foundActive || !foundAll {
		return app.Counts{}, false, nil
	}

	active, errA := strconv.Atoi(activeRaw)
	all, errB := strconv.Atoi(allRaw)
	if errA != nil || errB != nil {
		return app.Counts{}, false, nil
	}
	return app.Counts{Active: active, All: all}, true, nil
}

// SetCounts stores both per-user counters.
func (c *ListCache) SetCounts(ctx context.Context, userID string, counts app.Counts) error {
	if err := c.kv.SetEx(ctx, countActivePrefix+userID, strconv.Itoa(counts.Active), domain.PairedCounterTTL); err != nil {
		return err
	}
	return c.kv.SetEx(ctx, countAllPrefix+userID, strconv.Itoa(counts.All), domain.PairedCounterTTL)
}
