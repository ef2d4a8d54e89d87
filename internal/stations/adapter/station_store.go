package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/postgres"
	"github.com/voltgrid/ev-platform/internal/stations/app"
)

// Compile-time check: StationStore satisfies app.StationStore.
var _ app.StationStore = (*StationStore)(nil)

// StationStore reads station rows from Postgres. It backs the geo index:
// radius queries here are the fallback when the index is cold, and
// StationBatches feeds index population at startup.
type StationStore struct {
	db *postgres.Client
}

// NewStationStore creates a StationStore over db.
func NewStationStore(db *postgres.Client) *StationStore {
	return &StationStore{db: db}
}

const stationColumns = `id, latitude, longitude, name, power_kw, availability_status,
	operator_name, address, city, state, plugs, pricing_info, amenities`

type stationRow struct {
	ID                 string  `db:"id"`
	Latitude           float64 `db:"latitude"`
	Longitude          float64 `db:"longitude"`
	Name               string  `db:"name"`
	PowerKW            float64 `db:"power_kw"`
	AvailabilityStatus string  `db:"availability_status"`
	OperatorName       string  `db:"operator_name"`
	Address            string  `db:"address"`
	City               string  `db:"city"`
	State              string  `db:"state"`
	Plugs              []byte  `db:"plugs"`
	PricingInfo        []byte  `db:"pricing_info"`
	Amenities          []byte  `db:"amenities"`
}

func (r stationRow) toDomain() (domain.Station, error) {
	st := domain.Station{
		ID:                 r.ID,
		Latitude:           r.Latitude,
		Longitude:          r.Longitude,
		Name:               r.Name,
		PowerKW:            r.PowerKW,
		AvailabilityStatus: r.AvailabilityStatus,
		OperatorName:       r.OperatorName,
		Address:            r.Address,
		City:               r.City,
		State:              r.State,
	}
	for name, pair := range map[string]struct {
		raw  []byte
		dest any
	}{
		"plugs":        {r.Plugs, &st.Plugs},
		"pricing_info": {r.PricingInfo, &st.PricingInfo},
		"amenities":    {r.Amenities, &st.Amenities},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dest); err != nil {
			return domain.Station{}, fmt.Errorf("decode station %s %s: %w", r.ID, name, err)
		}
	}
	return st, nil
}

// FindWithinRadius returns stations within radiusKm of the point, nearest
// first, at most limit rows. The great-circle distance is computed in SQL.
func (s *StationStore) FindWithinRadius(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]domain.Station, error) {
	ctx, span := tracer.Start(ctx, "postgres.stations.find_within_radius")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.Float64("geo.radius_km", radiusKm),
	)

	query := `SELECT ` + stationColumns + ` FROM (
		SELECT *, (6371 * acos(least(1.0,
			cos(radians($1)) * cos(radians(latitude)) * cos(radians(longitude) - radians($2)) +
			sin(radians($1)) * sin(radians(latitude))))) AS distance_km
		FROM stations
	) candidates
	WHERE distance_km <= $3
	ORDER BY distance_km ASC
	LIMIT $4`

	var rows []stationRow
	if err := s.db.DB.SelectContext(ctx, &rows, query, lat, lng, radiusKm, limit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("station radius query: %w", postgres.TranslateError(err))
	}
	return rowsToDomain(rows)
}

// GetByIDs loads the given stations in one query. Missing ids are simply
// absent from the result.
func (s *StationStore) GetByIDs(ctx context.Context, ids []string) (map[string]domain.Station, error) {
	ctx, span := tracer.Start(ctx, "postgres.stations.get_by_ids")
	defer span.End()
	span.SetAttributes(attribute.Int("stations.count", len(ids)))

	if len(ids) == 0 {
		return map[string]domain.Station{}, nil
	}

	query, args, err := sqlx.In(`SELECT `+stationColumns+` FROM stations WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build station id query: %w", err)
	}
	query = s.db.DB.Rebind(query)

	var rows []stationRow
	if err := s.db.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("station batch query: %w", postgres.TranslateError(err))
	}

	out := make(map[string]domain.Station, len(rows))
	for _, r := range rows {
		st, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out[st.ID] = st
	}
	return out, nil
}

// StationBatches returns an iterator over all stations in id order, for
// populating the geo index. Each call yields the next batch; a nil batch
// means the table is exhausted.
func (s *StationStore) StationBatches(batchSize int) func(ctx context.Context) ([]domain.Station, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	lastID := ""
	return func(ctx context.Context) ([]domain.Station, error) {
		var rows []stationRow
		query := `SELECT ` + stationColumns + ` FROM stations WHERE id > $1 ORDER BY id LIMIT $2`
		if err := s.db.DB.SelectContext(ctx, &rows, query, lastID, batchSize); err != nil {
			return nil, fmt.Errorf("list stations after %q: %w", lastID, postgres.TranslateError(err))
		}
		if len(rows) == 0 {
			return nil, nil
		}
		lastID = rows[len(rows)-1].ID
		stations, err := rowsToDomain(rows)
		if err != nil {
			return nil, err
		}
		return stations, nil
	}
}

func rowsToDomain(rows []stationRow) ([]domain.Station, error) {
	stations := make([]domain.Station, len(rows))
	for i, r := range rows {
		st, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		stations[i] = st
	}
	return stations, nil
}
