package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/postgres"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/stations/app"
)

const vehiclePrefix = "vehicle:"

// Compile-time check: VehicleStore satisfies app.VehicleSource.
var _ app.VehicleSource = (*VehicleStore)(nil)

// VehicleStore reads vehicle rows from Postgres.
type VehicleStore struct {
	db *postgres.Client
}

// NewVehicleStore creates a VehicleStore over db.
func NewVehicleStore(db *postgres.Client) *VehicleStore {
	return &VehicleStore{db: db}
}

const vehicleColumns = `id, reg_number, chassis_number, user_id, make, model, year,
	battery_capacity_kwh, efficiency_kwh_per_km, efficiency_factor, reserve_km,
	image_url, created_at, updated_at`

// GetByRegNumber loads a vehicle by registration number.
func (s *VehicleStore) GetByRegNumber(ctx context.Context, regNumber string) (*domain.Vehicle, error) {
	ctx, span := tracer.Start(ctx, "postgres.vehicles.get_by_reg_number")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	var v domain.Vehicle
	query := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE reg_number = $1`
	if err := s.db.DB.GetContext(ctx, &v, query, regNumber); err != nil {
		translated := postgres.TranslateError(err)
		if domain.IsNotFound(translated) {
			return nil, fmt.Errorf("vehicle %s: %w", regNumber, domain.ErrVehicleNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get vehicle %s: %w", regNumber, translated)
	}
	return &v, nil
}

// Compile-time check: CachedVehicles satisfies app.VehicleSource.
var _ app.VehicleSource = (*CachedVehicles)(nil)

// CachedVehicles is a cache-aside layer over a VehicleSource. Hits are
// served from Redis; misses fall through and prime the cache with a short
// TTL. Cache outages degrade to direct reads.
type CachedVehicles struct {
	source app.VehicleSource
	kv     *redisclient.KV
}

// NewCachedVehicles wraps source with the Redis cache.
func NewCachedVehicles(source app.VehicleSource, kv *redisclient.KV) *CachedVehicles {
	return &CachedVehicles{source: source, kv: kv}
}

// GetByRegNumber returns the cached vehicle, loading and priming on miss.
func (c *CachedVehicles) GetByRegNumber(ctx context.Context, regNumber string) (*domain.Vehicle, error) {
	ctx, span := tracer.Start(ctx, "cache.vehicles.get_by_reg_number")
	defer span.End()

	key := vehiclePrefix + regNumber
	var cached domain.Vehicle
	found, err := c.kv.GetJSON(ctx, key, &cached)
	if err == nil && found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return &cached, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	v, err := c.source.GetByRegNumber(ctx, regNumber)
	if err != nil {
		return nil, err
	}
	// Priming is best effort. A failed write only costs the next read.
	_ = c.kv.SetJSON(ctx, key, v, domain.VehicleCacheTTL)
	return v, nil
}
