package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/ev-platform/internal/postgres"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/server"
	"github.com/voltgrid/ev-platform/internal/stations/adapter"
	"github.com/voltgrid/ev-platform/internal/stations/app"
	"github.com/voltgrid/ev-platform/internal/stations/port"
)

// setup is the stationsvc composition root. It wires the vehicle lookup
// cache, the geo index, and the durable station store behind the
// discovery routes, optionally loading the index from the store first.
func setup(ctx context.Context, deps server.SetupDeps) (http.Handler, server.CleanupFunc, error) {
	cfg := deps.Config
	logger := deps.Logger

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

	svc := app.NewService(app.ServiceConfig{
		Vehicles: adapter.NewCachedVehicles(adapter.NewVehicleStore(pg), kv),
		Geo:      adapter.NewGeoIndex(kv),
		Stations: adapter.NewStationStore(pg),
		Cache:    kv,
		Logger:   logger,
	})

	if cfg.StationSvc.PopulateGeoIndex {
		total, err := svc.PopulateGeoIndex(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("populate geo index: %w", err)
		}
		logger.InfoContext(ctx, "geo index loaded from station store", "stations", total)
	}

	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		port.NewStationHandler(svc).Routes(r)
	})

	logger.InfoContext(ctx, "stationsvc initialized")

	cleanup := func(_ context.Context) error {
		return errors.Join(redisClient.Close(), pg.Close())
	}
	return router, cleanup, nil
}
