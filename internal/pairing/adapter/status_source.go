package adapter

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
	"github.com/voltgrid/ev-platform/internal/postgres"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

const latestStatusPrefix = "lvs:"

// Compile-time check: StatusSource satisfies app.StatusSource.
var _ app.StatusSource = (*StatusSource)(nil)

// StatusSource serves latest vehicle statuses from Redis, falling back to
// the status table for misses and priming the cache on the way back.
type StatusSource struct {
	kv *redisclient.KV
	db *postgres.Client
}

// NewStatusSource creates a StatusSource over kv and db.
func NewStatusSource(kv *redisclient.KV, db *postgres.Client) *StatusSource {
	return &StatusSource{kv: kv, db: db}
}

// BatchLatestStatus returns the latest status per vehicle. Vehicles with
// no status anywhere are absent from the result.
func (s *StatusSource) BatchLatestStatus(ctx context.Context, vehicleIDs []string) (map[string]app.VehicleStatus, error) {
	ctx, span := tracer.Start(ctx, "cache.status.batch_latest")
	defer span.End()
	span.SetAttributes(attribute.Int("vehicles.count", len(vehicleIDs)))

	out := make(map[string]app.VehicleStatus, len(vehicleIDs))
	var misses []string
	for _, id := range vehicleIDs {
		var st app.VehicleStatus
		found, err := s.kv.GetJSON(ctx, latestStatusPrefix+id, &st)
		if err != nil {
			// Cache outage: let the database answer for everything.
			misses = append(misses, id)
			continue
		}
		if found {
			out[id] = st
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	fromDB, err := s.latestFromDB(ctx, misses)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for id, st := range fromDB {
		out[id] = st
		_ = s.kv.SetJSON(ctx, latestStatusPrefix+id, st, domain.LatestStatusKeyTTL)
	}
	return out, nil
}

func (s *StatusSource) latestFromDB(ctx context.Context, vehicleIDs []string) (map[string]app.VehicleStatus, error) {
	query, args, err := sqlx.In(`SELECT DISTINCT ON (vehicle_id)
			vehicle_id, battery_percentage, odometer_km, charging, recorded_at
		FROM vehicle_status
		WHERE vehicle_id IN (?)
		ORDER BY vehicle_id, recorded_at DESC`, vehicleIDs)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	query = s.db.DB.Rebind(query)

	var rows []app.VehicleStatus
	if err := s.db.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("latest status query: %w", postgres.TranslateError(err))
	}

	out := make(map[string]app.VehicleStatus, len(rows))
	for _, st := range rows {
		out[st.VehicleID] = st
	}
	return out, nil
}
