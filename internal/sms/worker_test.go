package sms_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voltgrid/ev-platform/internal/domain"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/sms"
)

type captureProvider struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (p *captureProvider) Send(ctx context.Context, phone, otp string) (sms.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return sms.SendResult{}, p.err
	}
	p.sent = append(p.sent, phone)
	return sms.SendResult{Provider: "capture", MessageID: "m-1"}, nil
}

func (p *captureProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type captureAudit struct {
	mu       sync.Mutex
	failures []sms.Job
}

func (a *captureAudit) RecordSendFailure(ctx context.Context, job sms.Job, workerID string, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, job)
}

func (a *captureAudit) failureCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failures)
}

func newWorkerQueue(t *testing.T, opts sms.QueueOptions) *sms.Queue {
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

	return sms.NewQueue(client.RDB, domain.RealClock{}, opts)
}

func TestWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("drains enqueued jobs", func(t *testing.T) {
		q := newWorkerQueue(t, sms.QueueOptions{})
		provider := &captureProvider{}
		w := sms.NewWorker(sms.WorkerConfig{
			Queue:        q,
			Provider:     provider,
			Concurrency:  4,
			PollInterval: 5 * time.Millisecond,
			Clock:        domain.RealClock{},
			Logger:       logger,
		})

		ctx, cancel := context.WithCancel(context.Background())
		for i := 0; i < 5; i++ {
			_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111"})
			require.NoError(t, err)
		}

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		require.Eventually(t, func() bool {
			return provider.sentCount() == 5
		}, 3*time.Second, 10*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("terminal failure reaches the audit recorder", func(t *testing.T) {
		q := newWorkerQueue(t, sms.QueueOptions{
			MaxAttempts: 2,
			BackoffBase: 5 * time.Millisecond,
		})
		provider := &captureProvider{err: errors.New("vendor rejects everything")}
		audit := &captureAudit{}
		w := sms.NewWorker(sms.WorkerConfig{
			Queue:        q,
			Provider:     provider,
			Audit:        audit,
			Concurrency:  1,
			PollInterval: 5 * time.Millisecond,
			Clock:        domain.RealClock{},
			Logger:       logger,
		})

		ctx, cancel := context.WithCancel(context.Background())
		_, err := q.Enqueue(ctx, sms.Job{Phone: "+911111111111", OTP: "111111", RequestID: "r1"})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		require.Eventually(t, func() bool {
			return audit.failureCount() == 1
		}, 3*time.Second, 10*time.Millisecond)

		audit.mu.Lock()
		job := audit.failures[0]
		audit.mu.Unlock()
		assert.Equal(t, "r1", job.RequestID)
		assert.Equal(t, 2, job.Attempt)

		cancel()
		require.NoError(t, <-done)
	})

	t.Run("stops pulling on shutdown", func(t *testing.T) {
		q := newWorkerQueue(t, sms.QueueOptions{})
		provider := &captureProvider{}
		w := sms.NewWorker(sms.WorkerConfig{
			Queue:        q,
			Provider:     provider,
			Concurrency:  2,
			PollInterval: 5 * time.Millisecond,
			Clock:        domain.RealClock{},
			Logger:       logger,
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		cancel()
		require.NoError(t, <-done)

		_, err := q.Enqueue(context.Background(), sms.Job{Phone: "+911111111111", OTP: "111111"})
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, provider.sentCount(), "stopped worker must not pull jobs")
	})
}
