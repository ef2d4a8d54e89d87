package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/bloom"
	"github.com/voltgrid/ev-platform/internal/config"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/adapter"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	"github.com/voltgrid/ev-platform/internal/otpauth/port"
	"github.com/voltgrid/ev-platform/internal/postgres"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/server"
	"github.com/voltgrid/ev-platform/internal/sms"
)

// setup is the authsvc composition root. It wires the phone directory
// tiers, the OTP and session stores, the SMS queue producer, and the JWT
// mint/validate pair behind the auth routes.
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

	users := adapter.NewUserStore(pg)

	filter := bloom.New(bloom.Config{
		ExpectedElements: cfg.Bloom.ExpectedPhones,
		ErrorRate:        cfg.Bloom.ErrorRate,
		RefreshInterval:  time.Duration(cfg.Bloom.RefreshHours) * time.Hour,
	}, kv, clock, logger)
	if err := filter.LoadSnapshot(ctx); err != nil {
		logger.WarnContext(ctx, "bloom snapshot load failed", "error", err)
	}
	if !filter.Initialized() {
		// An unpopulated filter answers every check as a maybe, so the
		// service still works while this runs or if it fails.
		if err := filter.PopulateFrom(ctx, users.PhoneBatches(0)); err != nil {
			logger.WarnContext(ctx, "bloom populate failed", "error", err)
		}
	}

	phones := adapter.NewPhoneCache(adapter.PhoneCacheConfig{
		KV:          kv,
		Filter:      filter,
		Users:       users,
		Clock:       clock,
		Logger:      logger,
		PositiveTTL: time.Duration(cfg.Phone.CacheTTLSeconds) * time.Second,
		NegativeTTL: time.Duration(cfg.Phone.NegativeTTLSeconds) * time.Second,
	})

	keyStore, err := buildKeyStore(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build key store: %w", err)
	}
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:   keyStore,
		AccessTTL:  cfg.JWT.AccessTokenTTL,
		RefreshTTL: cfg.JWT.RefreshTokenTTL,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		Clock:      clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Clock:    clock,
	})

	svc := app.NewService(app.ServiceConfig{
		Phones:     phones,
		Users:      users,
		OTPs:       adapter.NewOTPStore(kv),
		Sessions:   adapter.NewSessionStore(kv, clock),
		Audit:      adapter.NewAuditStore(pg, clock, logger),
		Limiter:    ratelimit.NewLimiter(kv, logger),
		Queue:      sms.NewQueue(redisClient.RDB, clock, sms.QueueOptions{}),
		Minter:     minter,
		Validator:  validator,
		HMACSecret: []byte(cfg.OTP.HMACSecret.Expose()),
		Clock:      clock,
		Logger:     logger,

		OTPTTL:    cfg.OTP.TTL(),
		Cooldown:  cfg.OTP.Cooldown(),
		HourLimit: cfg.OTP.HourLimit,
		DayLimit:  cfg.OTP.DayLimit,
		IPLimit:   cfg.OTP.IPLimit10Min,
	})

	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		port.NewAuthHandler(svc).Routes(r)
	})

	logger.InfoContext(ctx, "authsvc initialized")

	cleanup := func(_ context.Context) error {
		return errors.Join(redisClient.Close(), pg.Close())
	}
	return router, cleanup, nil
}

// buildKeyStore returns the JWT signing keys for the environment. A
// configured PEM wins; otherwise local development gets an ephemeral pair
// and any other environment fails startup.
func buildKeyStore(cfg *config.Config, logger *slog.Logger) (auth.KeyStore, error) {
	if !cfg.JWT.PrivateKeyPEM.IsEmpty() {
		keyID := cfg.JWT.KeyID
		if keyID == "" {
			keyID = "primary"
		}
		return auth.LoadKeyStoreFromPEM([]byte(cfg.JWT.PrivateKeyPEM.Expose()), keyID)
	}
	if !cfg.IsLocal() {
		return nil, fmt.Errorf("%w: jwt.private_key_pem", domain.ErrConfigRequired)
	}
	logger.Info("using ephemeral signing keys, tokens will not survive a restart")
	return auth.GenerateEphemeralKeyStore()
}
