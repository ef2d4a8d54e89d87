package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/config"
	"github.com/voltgrid/ev-platform/internal/domain"
	otpadapter "github.com/voltgrid/ev-platform/internal/otpauth/adapter"
	otpapp "github.com/voltgrid/ev-platform/internal/otpauth/app"
	otpport "github.com/voltgrid/ev-platform/internal/otpauth/port"
	"github.com/voltgrid/ev-platform/internal/pairing/adapter"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
	"github.com/voltgrid/ev-platform/internal/pairing/port"
	"github.com/voltgrid/ev-platform/internal/postgres"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/server"
)

// setup is the vehiclesvc composition root. Every route requires a valid
// access token, checked against the same revocation markers the auth
// service writes.
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

	authn, err := buildAuthenticator(cfg, kv, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("build authenticator: %w", err)
	}

	svc := app.NewService(app.ServiceConfig{
		Registry: adapter.NewRegistry(pg, clock),
		Devices:  adapter.NewDeviceStore(pg),
		Statuses: adapter.NewStatusSource(kv, pg),
		Cache:    adapter.NewListCache(kv),
		Clock:    clock,
		Logger:   logger,

		AssetBaseURL: cfg.VehicleSvc.BaseURL,
	})

	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(otpport.RequireAuth(authn))
		port.NewPairingHandler(svc).Routes(r)
	})

	logger.InfoContext(ctx, "vehiclesvc initialized")

	cleanup := func(_ context.Context) error {
		return errors.Join(redisClient.Close(), pg.Close())
	}
	return router, cleanup, nil
}

// buildAuthenticator wires token validation against the auth service's
// public key and session store. Only the verification half of the key
// material is needed here, but the PEM carries both.
func buildAuthenticator(cfg *config.Config, kv *redisclient.KV, clock domain.Clock) (*otpapp.TokenAuthenticator, error) {
	if cfg.JWT.PrivateKeyPEM.IsEmpty() {
		return nil, fmt.Errorf("%w: jwt.private_key_pem", domain.ErrConfigRequired)
	}
	keyID := cfg.JWT.KeyID
	if keyID == "" {
		keyID = "primary"
	}
	keyStore, err := auth.LoadKeyStoreFromPEM([]byte(cfg.JWT.PrivateKeyPEM.Expose()), keyID)
	if err != nil {
		return nil, err
	}

	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Clock:    clock,
	})
	return otpapp.NewTokenAuthenticator(validator, otpadapter.NewSessionStore(kv, clock)), nil
}
