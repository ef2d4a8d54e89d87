package ratelimit_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/ratelimit"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

func newTestLimiter(t *testing.T) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ratelimit.NewLimiter(redisclient.NewKV(client.RDB), logger), mr
}

func TestLimiter_CheckAndApply(t *testing.T) {
	ctx := context.Background()

	t.Run("allows when no counter exists", func(t *testing.T) {
		l, _ := newTestLimiter(t)

		res := l.Check(ctx, "otp:rate:hour:+911111111111", 10, time.Hour)

		assert.True(t, res.Allowed)
		assert.Zero(t, res.Count)
	})

	t.Run("apply sets TTL on first hit only", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		key := "otp:rate:hour:+912222222222"

		l.Apply(ctx, key, time.Hour)
		assert.Equal(t, time.Hour, mr.TTL(key))

		mr.FastForward(10 * time.Minute)
		l.Apply(ctx, key, time.Hour)
		assert.Equal(t, 50*time.Minute, mr.TTL(key), "TTL must not reset on later hits")
	})

	t.Run("denies at the limit with retry-after from TTL", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		key := "otp:rate:hour:+913333333333"

		for i := 0; i < 3; i++ {
			l.Apply(ctx, key, time.Hour)
		}
		mr.FastForward(30 * time.Minute)

		res := l.Check(ctx, key, 3, time.Hour)

		assert.False(t, res.Allowed)
		assert.Equal(t, int64(3), res.Count)
		assert.Equal(t, 1800, res.RetryAfterSeconds)
	})

	t.Run("counter resets after window expiry", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		key := "otp:ip:10.0.0.1"

		for i := 0; i < 5; i++ {
			l.Apply(ctx, key, 10*time.Minute)
		}
		require.False(t, l.Check(ctx, key, 5, 10*time.Minute).Allowed)

		mr.FastForward(11 * time.Minute)

		assert.True(t, l.Check(ctx, key, 5, 10*time.Minute).Allowed)
	})

	t.Run("fails open on store error", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		mr.Close()

		res := l.Check(ctx, "any", 1, time.Minute)

		assert.True(t, res.Allowed)
		assert.Equal(t, ratelimit.ReasonStoreError, res.Reason)
	})
}

func TestLimiter_CheckAll(t *testing.T) {
	ctx := context.Background()

	t.Run("first exceeded rule wins", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		hourly := ratelimit.Rule{Key: "otp:rate:hour:+914444444444", Limit: 2, Window: time.Hour, Reason: "hourly"}
		daily := ratelimit.Rule{Key: "otp:rate:day:+914444444444", Limit: 20, Window: 24 * time.Hour, Reason: "daily"}

		l.ApplyAll(ctx, hourly, daily)
		l.ApplyAll(ctx, hourly, daily)

		res := l.CheckAll(ctx, hourly, daily)

		assert.False(t, res.Allowed)
		assert.Equal(t, "hourly", res.Reason)
	})

	t.Run("all rules passing allows", func(t *testing.T) {
		l, _ := newTestLimiter(t)

		res := l.CheckAll(ctx,
			ratelimit.Rule{Key: "a", Limit: 1, Window: time.Minute},
			ratelimit.Rule{Key: "b", Limit: 1, Window: time.Minute},
		)

		assert.True(t, res.Allowed)
	})
}

func TestLimiter_Cooldown(t *testing.T) {
	ctx := context.Background()

	t.Run("denies while armed", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		cd := ratelimit.Cooldown{Key: "otp:cooldown:+915555555555", Duration: time.Minute}

		require.True(t, l.CheckCooldown(ctx, cd).Allowed)

		l.ApplyCooldown(ctx, cd)
		res := l.CheckCooldown(ctx, cd)

		assert.False(t, res.Allowed)
		assert.Equal(t, 60, res.RetryAfterSeconds)

		mr.FastForward(61 * time.Second)
		assert.True(t, l.CheckCooldown(ctx, cd).Allowed)
	})

	t.Run("duplicate apply re-extends TTL", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		cd := ratelimit.Cooldown{Key: "otp:cooldown:+916666666666", Duration: time.Minute}

		l.ApplyCooldown(ctx, cd)
		mr.FastForward(30 * time.Second)
		l.ApplyCooldown(ctx, cd)

		assert.Equal(t, time.Minute, mr.TTL(cd.Key))
	})
}
