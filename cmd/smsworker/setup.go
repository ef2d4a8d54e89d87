package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voltgrid/ev-platform/internal/config"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/adapter"
	"github.com/voltgrid/ev-platform/internal/postgres"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/server"
	"github.com/voltgrid/ev-platform/internal/sms"
)

// setup is the smsworker composition root. The worker runs until the
// shutdown signal cancels ctx; cleanup then waits for in-flight jobs to
// settle before the stores close.
func setup(ctx context.Context, deps server.SetupDeps) (http.Handler, server.CleanupFunc, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	pg, err := postgres.NewClient(ctx, postgres.Config{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
		Timeout:      cfg.Postgres.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient := redisclient.NewClient(redisclient.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	kv := redisclient.NewKV(redisClient.RDB)

	provider, err := buildProvider(cfg, clock, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build sms provider: %w", err)
	}

	worker := sms.NewWorker(sms.WorkerConfig{
		Queue:         sms.NewQueue(redisClient.RDB, clock, sms.QueueOptions{}),
		Provider:      provider,
		Audit:         adapter.NewAuditStore(pg, clock, logger),
		Concurrency:   cfg.SMS.WorkerConcurrency,
		Limiter:       ratelimit.NewLimiter(kv, logger),
		LimiterMax:    cfg.SMS.LimiterMax,
		LimiterWindow: cfg.SMS.LimiterWindow,
		Clock:         clock,
		Logger:        logger,
	})

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx)
	}()

	cleanup := func(cleanupCtx context.Context) error {
		var runErr error
		select {
		case runErr = <-done:
		case <-cleanupCtx.Done():
			runErr = fmt.Errorf("worker drain: %w", cleanupCtx.Err())
		}
		return errors.Join(runErr, redisClient.Close(), pg.Close())
	}
	return nil, cleanup, nil
}

// buildProvider selects the dispatch backend. The HTTP vendor gets a
// short per-send retry layer under the queue's cross-job backoff.
func buildProvider(cfg *config.Config, clock domain.Clock, logger *slog.Logger) (sms.Provider, error) {
	switch cfg.SMS.Provider {
	case "", "log":
		return sms.NewLogProvider(logger), nil
	case "http":
		if cfg.SMS.Endpoint == "" {
			return nil, fmt.Errorf("%w: sms.endpoint", domain.ErrConfigRequired)
		}
		vendor := sms.NewHTTPProvider(sms.HTTPProviderConfig{
			Endpoint: cfg.SMS.Endpoint,
			AuthKey:  cfg.SMS.AuthKey.Expose(),
		})
		return sms.NewRetryingProvider(vendor, 3, 500*time.Millisecond, clock), nil
	default:
		return nil, fmt.Errorf("unknown sms provider %q", cfg.SMS.Provider)
	}
}
