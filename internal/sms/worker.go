package sms

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
)

var (
	jobsProcessedTotal metric.Int64Counter
	jobsFailedTotal    metric.Int64Counter
)

func init() {
	m := otel.Meter("sms")
	jobsProcessedTotal, _ = m.Int64Counter("sms_jobs_processed_total",
		metric.WithDescription("SMS jobs delivered successfully"))
	jobsFailedTotal, _ = m.Int64Counter("sms_jobs_failed_total",
		metric.WithDescription("SMS jobs that exhausted all attempts"))
}

// AuditRecorder receives terminal dispatch failures. Implemented by the
// OTP audit store.
type AuditRecorder interface {
	RecordSendFailure(ctx context.Context, job Job, workerID string, cause error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue       *Queue
	Provider    Provider
	Audit       AuditRecorder
	Concurrency int
	// Limiter optionally throttles dispatch across all workers.
	Limiter       *ratelimit.Limiter
	LimiterMax    int
	LimiterWindow time.Duration
	// PollInterval is how long an idle handler waits before checking the
	// queue again. Zero means 250ms.
	PollInterval time.Duration
	Clock        domain.Clock
	Logger       *slog.Logger
}

// Worker drains the SMS queue with a pool of concurrent job handlers. On
// shutdown it stops pulling new jobs and lets in-flight jobs settle.
type Worker struct {
	id           string
	queue        *Queue
	provider     Provider
	audit        AuditRecorder
	concurrency  int
	limiter      *ratelimit.Limiter
	limiterRule  ratelimit.Rule
	pollInterval time.Duration
	clock        domain.Clock
	logger       *slog.Logger
}

// NewWorker creates a Worker from cfg.
func NewWorker(cfg WorkerConfig) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = domain.WorkerConcurrency
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	id := "smsworker-" + uuid.NewString()[:8]

	w := &Worker{
		id:           id,
		queue:        cfg.Queue,
		provider:     cfg.Provider,
		audit:        cfg.Audit,
		concurrency:  concurrency,
		limiter:      cfg.Limiter,
		pollInterval: pollInterval,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("worker_id", id),
	}
	if cfg.Limiter != nil && cfg.LimiterMax > 0 {
		w.limiterRule = ratelimit.Rule{
			Key:    "sms:queue:limiter",
			Limit:  cfg.LimiterMax,
			Window: cfg.LimiterWindow,
			Reason: "queue_limiter",
		}
	}
	return w
}

// ID returns the worker's unique identifier, recorded on terminal audit
// rows.
func (w *Worker) ID() string { return w.id }

// Run processes jobs until ctx is canceled. It returns nil on graceful
// shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "sms worker starting", "concurrency", w.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.handleLoop(gctx)
		})
	}
	g.Go(func() error {
		return w.maintenanceLoop(gctx)
	})

	err := g.Wait()
	w.logger.Info("sms worker stopped")
	return err
}

func (w *Worker) handleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.throttled(ctx) {
			if !w.sleep(ctx, w.pollInterval) {
				return nil
			}
			continue
		}

		lease, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "sms dequeue failed", "error", err)
			ok = false
		}
		if !ok {
			if !w.sleep(ctx, w.pollInterval) {
				return nil
			}
			continue
		}

		w.consumeLimiter(ctx)
		w.handle(ctx, lease)
	}
}

// handle runs one job to completion. Settlement writes use a detached
// context so an in-flight job settles even when shutdown begins mid-send.
func (w *Worker) handle(ctx context.Context, lease *Lease) {
	job := lease.Job
	jobCtx, cancel := context.WithTimeout(ctx, w.queue.Options().JobTimeout)
	defer cancel()

	start := w.clock.Now()
	res, err := w.provider.Send(jobCtx, job.Phone, job.OTP)
	settleCtx := context.WithoutCancel(ctx)

	if err != nil {
		terminal, retryErr := w.queue.Retry(settleCtx, lease, err)
		if retryErr != nil {
			w.logger.ErrorContext(ctx, "sms job settle failed",
				"job_id", job.ID, "error", retryErr)
			return
		}
		if terminal {
			jobsFailedTotal.Add(ctx, 1)
			w.logger.ErrorContext(ctx, "sms job failed terminally",
				"job_id", job.ID, "request_id", job.RequestID,
				"attempts", job.Attempt, "error", err)
			if w.audit != nil {
				w.audit.RecordSendFailure(settleCtx, job, w.id, err)
			}
			return
		}
		w.logger.WarnContext(ctx, "sms job failed, scheduled for retry",
			"job_id", job.ID, "attempt", job.Attempt, "error", err)
		return
	}

	if err := w.queue.Complete(settleCtx, lease); err != nil {
		w.logger.ErrorContext(ctx, "sms job settle failed", "job_id", job.ID, "error", err)
		return
	}
	jobsProcessedTotal.Add(ctx, 1)
	w.logger.InfoContext(ctx, "sms job delivered",
		"job_id", job.ID, "request_id", job.RequestID,
		"provider", res.Provider, "message_id", res.MessageID,
		"provider_attempts", res.Attempts,
		"duration_ms", w.clock.Now().Sub(start).Milliseconds())
}

// maintenanceLoop promotes due retries and trims finished records.
func (w *Worker) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := w.queue.PromoteDue(ctx); err != nil {
			w.logger.WarnContext(ctx, "sms retry promotion failed", "error", err)
		}
		if err := w.queue.TrimFinished(ctx); err != nil {
			w.logger.WarnContext(ctx, "sms queue trim failed", "error", err)
		}
	}
}

// throttled checks the optional queue-level limiter without consuming
// budget. Budget is consumed only once a job is actually dequeued.
func (w *Worker) throttled(ctx context.Context) bool {
	if w.limiter == nil || w.limiterRule.Limit == 0 {
		return false
	}
	return !w.limiter.Check(ctx, w.limiterRule.Key, w.limiterRule.Limit, w.limiterRule.Window).Allowed
}

func (w *Worker) consumeLimiter(ctx context.Context) {
	if w.limiter == nil || w.limiterRule.Limit == 0 {
		return
	}
	w.limiter.Apply(ctx, w.limiterRule.Key, w.limiterRule.Window)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
