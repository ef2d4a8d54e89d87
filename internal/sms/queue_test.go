package sms_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/domain/domaintest"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/sms"
)

func newTestQueue(t *testing.T, clock *domaintest.FakeClock) *sms.Queue {
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

	return sms.NewQueue(client.RDB, clock, sms.QueueOptions{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
	})
}

func queueClock() *domaintest.FakeClock {
	return domaintest.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips a job in FIFO order", func(t *testing.T) {
		q := newTestQueue(t, queueClock())

		id1, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111", RequestID: "r1"})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, sms.Job{Phone: "+912222222222", OTP: "222222", RequestID: "r2"})
		require.NoError(t, err)

		lease, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id1, lease.Job.ID)
		assert.Equal(t, "+911111111111", lease.Job.Phone)
		assert.Equal(t, 1, lease.Job.Attempt)
	})

	t.Run("empty queue reports no job", func(t *testing.T) {
		q := newTestQueue(t, queueClock())

		_, ok, err := q.Dequeue(ctx)

		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("complete removes the job for good", func(t *testing.T) {
		q := newTestQueue(t, queueClock())
		_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111"})
		require.NoError(t, err)

		lease, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Complete(ctx, lease))

		_, ok, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		pending, err := q.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)
	})
}

func TestQueue_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("failed job becomes ready again after backoff", func(t *testing.T) {
		clock := queueClock()
		q := newTestQueue(t, clock)
		_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111"})
		require.NoError(t, err)

		lease, _, err := q.Dequeue(ctx)
		require.NoError(t, err)
		terminal, err := q.Retry(ctx, lease, errors.New("provider down"))
		require.NoError(t, err)
		assert.False(t, terminal)

		// Backoff for attempt 1 is 2s; not due yet.
		promoted, err := q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, promoted)

		clock.Advance(3 * time.Second)
		promoted, err = q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, promoted)

		again, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, again.Job.Attempt)
		assert.Equal(t, "provider down", again.Job.LastError)
	})

	t.Run("backoff doubles per attempt", func(t *testing.T) {
		clock := queueClock()
		q := newTestQueue(t, clock)
		_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111"})
		require.NoError(t, err)

		lease, _, err := q.Dequeue(ctx)
		require.NoError(t, err)
		_, err = q.Retry(ctx, lease, errors.New("boom"))
		require.NoError(t, err)

		clock.Advance(3 * time.Second)
		_, err = q.PromoteDue(ctx)
		require.NoError(t, err)
		lease, _, err = q.Dequeue(ctx)
		require.NoError(t, err)
		_, err = q.Retry(ctx, lease, errors.New("boom"))
		require.NoError(t, err)

		// Attempt 2 backoff is 4s.
		clock.Advance(3 * time.Second)
		promoted, err := q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, promoted)

		clock.Advance(2 * time.Second)
		promoted, err = q.PromoteDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, promoted)
	})

	t.Run("exhausted attempts settle terminally", func(t *testing.T) {
		clock := queueClock()
		q := newTestQueue(t, clock)
		_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111"})
		require.NoError(t, err)

		var terminal bool
		for i := 0; i < 3; i++ {
			clock.Advance(time.Minute)
			_, err = q.PromoteDue(ctx)
			require.NoError(t, err)

			lease, ok, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.True(t, ok, "attempt %d", i+1)
			terminal, err = q.Retry(ctx, lease, errors.New("provider down"))
			require.NoError(t, err)
		}

		assert.True(t, terminal)

		clock.Advance(time.Minute)
		_, err = q.PromoteDue(ctx)
		require.NoError(t, err)
		_, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "terminal job must not be retried")
	})
}

func TestQueue_TrimFinished(t *testing.T) {
	ctx := context.Background()

	t.Run("drops completed records past retention", func(t *testing.T) {
		clock := queueClock()
		q := newTestQueue(t, clock)
		_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111"})
		require.NoError(t, err)
		lease, _, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, lease))

		clock.Advance(2 * time.Hour)
		require.NoError(t, q.TrimFinished(ctx))

		// Queue state must stay clean; nothing left to dequeue.
		pending, err := q.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)
	})
}
