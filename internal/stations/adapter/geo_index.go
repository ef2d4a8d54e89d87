// Package adapter implements the stations app ports over Redis and
// Postgres.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/voltgrid/ev-platform/internal/domain"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/stations/app"
)

var tracer = otel.Tracer("stations/adapter")

const (
	geoKey            = "stations:geo"
	stationMetaPrefix = "station:meta:"

	// metadataFanout caps concurrent hash reads in BatchGetMetadata.
	metadataFanout = 10
)

// Compile-time check: GeoIndex satisfies app.GeoIndex.
var _ app.GeoIndex = (*GeoIndex)(nil)

// GeoIndex keeps station coordinates in a Redis geo set with a metadata
// hash per station. Coordinates never expire; metadata hashes carry a
// 24-hour TTL that is refreshed whenever the hash is read.
type GeoIndex struct {
	kv *redisclient.KV
}

// NewGeoIndex creates a GeoIndex over kv.
func NewGeoIndex(kv *redisclient.KV) *GeoIndex {
	return &GeoIndex{kv: kv}
}

// AddStation indexes one station's coordinates and metadata.
func (g *GeoIndex) AddStation(ctx context.Context, st domain.Station) error {
	ctx, span := tracer.Start(ctx, "redis.geo.add_station")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	if !st.ValidCoordinates() {
		return fmt.Errorf("station %s coordinates out of range: %w", st.ID, domain.ErrValidation)
	}

	if err := g.kv.GeoAdd(ctx, geoKey, redisclient.GeoLocation{
		Name:      st.ID,
		Longitude: st.Longitude,
		Latitude:  st.Latitude,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	fields, err := metaFields(st)
	if err != nil {
		return err
	}
	key := stationMetaPrefix + st.ID
	if err := g.kv.HSet(ctx, key, fields); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return g.kv.Expire(ctx, key, domain.StationMetaTTL)
}

// BatchAdd indexes many stations in a single pipeline round trip.
// Stations with out-of-range coordinates are skipped and counted in the
// returned total.
func (g *GeoIndex) BatchAdd(ctx context.Context, stations []domain.Station) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.geo.batch_add")
	defer span.End()
	span.SetAttributes(attribute.Int("stations.count", len(stations)))

	added := 0
	err := g.kv.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range stations {
			if !st.ValidCoordinates() {
				continue
			}
			fields, err := metaFields(st)
			if err != nil {
				return err
			}
			pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
				Name:      st.ID,
				Longitude: st.Longitude,
				Latitude:  st.Latitude,
			})
			key := stationMetaPrefix + st.ID
			args := make([]any, 0, len(fields)*2)
			for f, v := range fields {
				args = append(args, f, v)
			}
			pipe.HSet(ctx, key, args...)
			pipe.Expire(ctx, key, domain.StationMetaTTL)
			added++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return added, nil
}

// FindWithinRadius returns station ids within radiusKm of the point,
// nearest first, at most limit entries.
func (g *GeoIndex) FindWithinRadius(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]app.GeoHit, error) {
	ctx, span := tracer.Start(ctx, "redis.geo.find_within_radius")
	defer span.End()
	span.SetAttributes(attribute.Float64("geo.radius_km", radiusKm))

	locs, err := g.kv.GeoRadius(ctx, geoKey, lng, lat, radiusKm, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := make([]app.GeoHit, len(locs))
	for i, l := range locs {
		hits[i] = app.GeoHit{ID: l.Name, DistanceKm: l.DistanceKm}
	}
	return hits, nil
}

// BatchGetMetadata fetches metadata hashes for the given ids in parallel.
// Stations whose hash has expired are absent from the result; reads
// refresh the TTL of hashes they find.
func (g *GeoIndex) BatchGetMetadata(ctx context.Context, ids []string) (map[string]domain.Station, error) {
	ctx, span := tracer.Start(ctx, "redis.geo.batch_get_metadata")
	defer span.End()
	span.SetAttributes(attribute.Int("stations.count", len(ids)))

	var mu sync.Mutex
	out := make(map[string]domain.Station, len(ids))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(metadataFanout)
	for _, id := range ids {
		id := id
		grp.Go(func() error {
			key := stationMetaPrefix + id
			fields, err := g.kv.HGetAll(grpCtx, key)
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return nil
			}
			if err := g.kv.Expire(grpCtx, key, domain.StationMetaTTL); err != nil {
				return err
			}
			st, err := stationFromMeta(id, fields)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = st
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// Remove drops a station from the geo set and deletes its metadata.
func (g *GeoIndex) Remove(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.geo.remove")
	defer span.End()

	if err := g.kv.ZRem(ctx, geoKey, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return g.kv.Del(ctx, stationMetaPrefix+id)
}

// metaFields flattens a station into hash fields. Structured fields are
// stored as JSON strings.
func metaFields(st domain.Station) (map[string]string, error) {
	fields := map[string]string{
		"name":                st.Name,
		"latitude":            strconv.FormatFloat(st.Latitude, 'f', -1, 64),
		"longitude":           strconv.FormatFloat(st.Longitude, 'f', -1, 64),
		"power_kw":            strconv.FormatFloat(st.PowerKW, 'f', -1, 64),
		"availability_status": st.AvailabilityStatus,
		"operator_name":       st.OperatorName,
		"address":             st.Address,
		"city":                st.City,
		"state":               st.State,
	}
	for name, v := range map[string]any{
		"plugs":        st.Plugs,
		"pricing_info": st.PricingInfo,
		"amenities":    st.Amenities,
	} {
		if v == nil {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode station %s %s: %w", st.ID, name, err)
		}
		fields[name] = string(b)
	}
	return fields, nil
}

func stationFromMeta(id string, fields map[string]string) (domain.Station, error) {
	st := domain.Station{
		ID:                 id,
		Name:               fields["name"],
		AvailabilityStatus: fields["availability_status"],
		OperatorName:       fields["operator_name"],
		Address:            fields["address"],
		City:               fields["city"],
		State:              fields["state"],
	}
	var err error
	if st.Latitude, err = strconv.ParseFloat(fields["latitude"], 64); err != nil {
		return domain.Station{}, fmt.Errorf("station %s latitude: %w", id, err)
	}
	if st.Longitude, err = strconv.ParseFloat(fields["longitude"], 64); err != nil {
		return domain.Station{}, fmt.Errorf("station %s longitude: %w", id, err)
	}
	if raw := fields["power_kw"]; raw != "" {
		if st.PowerKW, err = strconv.ParseFloat(raw, 64); err != nil {
			return domain.Station{}, fmt.Errorf("station %s power_kw: %w", id, err)
		}
	}
	for name, dest := range map[string]any{
		"plugs":        &st.Plugs,
		"pricing_info": &st.PricingInfo,
		"amenities":    &st.Amenities,
	} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dest); err != nil {
			return domain.Station{}, fmt.Errorf("station %s %s: %w", id, name, err)
		}
	}
	return st, nil
}
