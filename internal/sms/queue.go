package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/voltgrid/ev-platform/internal/domain"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

// Queue key layout. Ready jobs live in a list; jobs being processed move
// to a second list so a crashed worker leaves evidence; retries wait in a
// sorted set scored by their ready-at time; finished jobs are kept for a
// bounded age for inspection.
const (
	readyKey      = "sms:queue"
	processingKey = "sms:queue:processing"
	retryKey      = "sms:queue:retry"
	completedKey  = "sms:queue:completed"
	failedKey     = "sms:queue:failed"
)

// Job is one SMS dispatch task.
type Job struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	OTP        string    `json:"otp"`
	RequestID  string    `json:"requestId"`
	IP         string    `json:"ip"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

// Lease is a dequeued job held by one worker. The raw payload is the
// settle token: it identifies the exact entry on the processing list.
type Lease struct {
	Job Job

	raw string
}

// QueueOptions tune retry and retention behavior.
type QueueOptions struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	JobTimeout      time.Duration
	CompletedMaxAge time.Duration
	FailedMaxAge    time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = domain.SMSJobAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = domain.SMSJobBackoffBase
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = domain.SMSJobTimeout
	}
	if o.CompletedMaxAge <= 0 {
		o.CompletedMaxAge = domain.SMSCompletedMaxAge
	}
	if o.FailedMaxAge <= 0 {
		o.FailedMaxAge = domain.SMSFailedMaxAge
	}
	return o
}

// Queue is a durable job queue over the key/value store. Producers enqueue
// jobs; workers dequeue a lease, then settle it exactly once via Complete,
// Retry, or Fail.
type Queue struct {
	cmd   redisclient.Cmdable
	clock domain.Clock
	opts  QueueOptions
}

// NewQueue creates a Queue.
func NewQueue(cmd redisclient.Cmdable, clock domain.Clock, opts QueueOptions) *Queue {
	return &Queue{cmd: cmd, clock: clock, opts: opts.withDefaults()}
}

// Options returns the effective queue options.
func (q *Queue) Options() QueueOptions { return q.opts }

// Enqueue adds a job to the ready list. A missing ID is assigned.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = q.clock.Now().UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode sms job: %w", err)
	}
	if err := q.cmd.LPush(ctx, readyKey, payload).Err(); err != nil {
		return "", storeErr("enqueue sms job", err)
	}
	return job.ID, nil
}

// Dequeue moves the oldest ready job to the processing list and returns a
// lease on it. An empty queue returns ok=false. The leased job's Attempt
// counts the try about to run.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, bool, error) {
	payload, err := q.cmd.RPopLPush(ctx, readyKey, processingKey).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("dequeue sms job", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Undecodable payloads are parked in the failed set so the queue
		// does not wedge on them.
		_ = q.cmd.LRem(ctx, processingKey, 1, payload).Err()
		_ = q.cmd.ZAdd(ctx, failedKey, goredis.Z{Score: q.nowScore(), Member: payload}).Err()
		return nil, false, fmt.Errorf("decode sms job: %w", err)
	}
	job.Attempt++
	return &Lease{Job: job, raw: payload}, true, nil
}

// Complete settles a leased job as done and records it for bounded
// retention.
func (q *Queue) Complete(ctx context.Context, lease *Lease) error {
	if err := q.removeProcessing(ctx, lease); err != nil {
		return err
	}
	record := fmt.Sprintf("%s:%d", lease.Job.ID, lease.Job.Attempt)
	if err := q.cmd.ZAdd(ctx, completedKey, goredis.Z{Score: q.nowScore(), Member: record}).Err(); err != nil {
		return storeErr("record completed sms job", err)
	}
	return nil
}

// Retry reschedules a failed job with exponential backoff, or settles it
// as terminally failed once attempts are exhausted. It reports whether the
// failure was terminal.
func (q *Queue) Retry(ctx context.Context, lease *Lease, cause error) (terminal bool, err error) {
	job := lease.Job
	job.LastError = cause.Error()
	if job.Attempt >= q.opts.MaxAttempts {
		return true, q.fail(ctx, lease, job)
	}

	if err := q.removeProcessing(ctx, lease); err != nil {
		return false, err
	}

	delay := q.opts.BackoffBase << (job.Attempt - 1)
	readyAt := q.clock.Now().Add(delay)
	payload, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		return false, fmt.Errorf("encode sms job for retry: %w", marshalErr)
	}
	if err := q.cmd.ZAdd(ctx, retryKey, goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return false, storeErr("schedule sms retry", err)
	}
	return false, nil
}

// PromoteDue moves retry jobs whose backoff has elapsed back to the ready
// list. Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.clock.Now().UnixMilli(), 10)
	due, err := q.cmd.ZRangeByScore(ctx, retryKey, &goredis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, storeErr("list due sms retries", err)
	}

	promoted := 0
	for _, payload := range due {
		removed, err := q.cmd.ZRem(ctx, retryKey, payload).Result()
		if err != nil {
			return promoted, storeErr("claim sms retry", err)
		}
		if removed == 0 {
			continue // another promoter claimed it
		}
		if err := q.cmd.LPush(ctx, readyKey, payload).Err(); err != nil {
			return promoted, storeErr("promote sms retry", err)
		}
		promoted++
	}
	return promoted, nil
}

// TrimFinished drops completed and failed records past their retention
// age.
func (q *Queue) TrimFinished(ctx context.Context) error {
	now := q.clock.Now()
	completedCutoff := strconv.FormatInt(now.Add(-q.opts.CompletedMaxAge).UnixMilli(), 10)
	if err := q.cmd.ZRemRangeByScore(ctx, completedKey, "-inf", completedCutoff).Err(); err != nil {
		return storeErr("trim completed sms jobs", err)
	}
	failedCutoff := strconv.FormatInt(now.Add(-q.opts.FailedMaxAge).UnixMilli(), 10)
	if err := q.cmd.ZRemRangeByScore(ctx, failedKey, "-inf", failedCutoff).Err(); err != nil {
		return storeErr("trim failed sms jobs", err)
	}
	return nil
}

// PendingCount returns the number of ready jobs.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.cmd.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, storeErr("count pending sms jobs", err)
	}
	return n, nil
}

// RetryCount returns the number of jobs waiting out a backoff.
func (q *Queue) RetryCount(ctx context.Context) (int64, error) {
	n, err := q.cmd.ZCard(ctx, retryKey).Result()
	if err != nil {
		return 0, storeErr("count sms retries", err)
	}
	return n, nil
}

func (q *Queue) fail(ctx context.Context, lease *Lease, job Job) error {
	if err := q.removeProcessing(ctx, lease); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode failed sms job: %w", err)
	}
	if err := q.cmd.ZAdd(ctx, failedKey, goredis.Z{Score: q.nowScore(), Member: payload}).Err(); err != nil {
		return storeErr("record failed sms job", err)
	}
	return nil
}

func (q *Queue) removeProcessing(ctx context.Context, lease *Lease) error {
	if err := q.cmd.LRem(ctx, processingKey, 1, lease.raw).Err(); err != nil {
		return storeErr("settle sms job", err)
	}
	return nil
}

func (q *Queue) nowScore() float64 {
	return float64(q.clock.Now().UnixMilli())
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(err, domain.ErrStoreUnavailable))
}
