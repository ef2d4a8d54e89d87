// Package app orchestrates station discovery: route-optimized search and
// plain nearby lookup, backed by the geo index with a database fallback.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voltgrid/ev-platform/internal/domain"
)

var tracer = otel.Tracer("stations/app")

var (
	stationSearchesTotal metric.Int64Counter
	zoneCacheHitsTotal   metric.Int64Counter
	geoFallbacksTotal    metric.Int64Counter
)

func init() {
	m := otel.Meter("stations/app")

	stationSearchesTotal, _ = m.Int64Counter("stations_searches_total",
		metric.WithDescription("Total station discovery requests"))
	zoneCacheHitsTotal, _ = m.Int64Counter("stations_zone_cache_hits_total",
		metric.WithDescription("Total discovery requests served from the zone cache"))
	geoFallbacksTotal, _ = m.Int64Counter("stations_geo_fallbacks_total",
		metric.WithDescription("Total geo-index misses served by the database"))
}

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GeoHit is one geo-index match: a station id and its distance from the
// query point.
type GeoHit struct {
	ID         string
	DistanceKm float64
}

// VehicleSource resolves vehicles by registration number.
type VehicleSource interface {
	GetByRegNumber(ctx context.Context, regNumber string) (*domain.Vehicle, error)
}

// GeoIndex is the low-latency station index.
type GeoIndex interface {
	FindWithinRadius(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]GeoHit, error)
	BatchGetMetadata(ctx context.Context, ids []string) (map[string]domain.Station, error)
	BatchAdd(ctx context.Context, stations []domain.Station) (int, error)
}

// StationStore is the durable station source behind the geo index.
type StationStore interface {
	FindWithinRadius(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]domain.Station, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]domain.Station, error)
	StationBatches(batchSize int) func(ctx context.Context) ([]domain.Station, error)
}

// ResultCache stores computed search results. *redis.KV satisfies it.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// ServiceConfig holds the dependencies for Service.
type ServiceConfig struct {
	Vehicles VehicleSource
	Geo      GeoIndex
	Stations StationStore
	Cache    ResultCache
	Logger   *slog.Logger

	MaxDeviationKm float64
	GeoQueryLimit  int
	ResultTTL      time.Duration
}

// Service answers station discovery queries.
type Service struct {
	vehicles VehicleSource
	geo      GeoIndex
	stations StationStore
	cache    ResultCache
	logger   *slog.Logger

	maxDeviationKm float64
	geoQueryLimit  int
	resultTTL      time.Duration
}

// NewService creates a Service, filling zero-valued tunables with the
// domain defaults.
func NewService(cfg ServiceConfig) *Service {
	if cfg.MaxDeviationKm <= 0 {
		cfg.MaxDeviationKm = domain.RouteDeviationKm
	}
	if cfg.GeoQueryLimit <= 0 {
		cfg.GeoQueryLimit = domain.GeoQueryLimit
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = domain.ZoneCacheTTL
	}

	return &Service{
		vehicles:       cfg.Vehicles,
		geo:            cfg.Geo,
		stations:       cfg.Stations,
		cache:          cfg.Cache,
		logger:         cfg.Logger,
		maxDeviationKm: cfg.MaxDeviationKm,
		geoQueryLimit:  cfg.GeoQueryLimit,
		resultTTL:      cfg.ResultTTL,
	}
}

// PopulateGeoIndex walks the station table in batches and loads every row
// into the geo index. Meant for startup population of a cold index.
func (s *Service) PopulateGeoIndex(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "stations.populate_geo_index")
	defer span.End()

	next := s.stations.StationBatches(0)
	total := 0
	for {
		batch, err := next(ctx)
		if err != nil {
			return total, err
		}
		if batch == nil {
			break
		}
		added, err := s.geo.BatchAdd(ctx, batch)
		if err != nil {
			return total, err
		}
		total += added
	}
	s.logger.InfoContext(ctx, "geo index populated", "stations", total)
	return total, nil
}
