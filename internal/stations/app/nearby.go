package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/stations/rangecalc"
)

// NearbyInput is a plain proximity search without vehicle context.
type NearbyInput struct {
	Location LatLng
	RadiusKm float64
}

// NearbyStation is one station with its distance from the query point.
type NearbyStation struct {
	domain.Station
	DistanceKm float64 `json:"distanceKm"`
}

// FindNearby returns stations around the given point, nearest first. The
// radius defaults to 20 km and is capped at 200 km.
func (s *Service) FindNearby(ctx context.Context, in NearbyInput) ([]NearbyStation, error) {
	ctx, span := tracer.Start(ctx, "stations.nearby")
	defer span.End()
	stationSearchesTotal.Add(ctx, 1)

	if !validLatLng(in.Location) {
		return nil, fmt.Errorf("userLocation out of range: %w", domain.ErrValidation)
	}
	radius := in.RadiusKm
	if radius <= 0 {
		radius = domain.NearbyDefaultRadiusKm
	}
	if radius > domain.NearbyMaxRadiusKm {
		radius = domain.NearbyMaxRadiusKm
	}
	span.SetAttributes(attribute.Float64("geo.radius_km", radius))

	cacheKey := fmt.Sprintf("stations:near:%.1f:%.1f:%d",
		in.Location.Lat, in.Location.Lng, int(radius/10)*10)

	var results []NearbyStation
	hit, err := s.cache.GetJSON(ctx, cacheKey, &results)
	if err != nil {
		s.logger.WarnContext(ctx, "nearby cache read failed", "key", cacheKey, "error", err)
		hit = false
	}
	if hit {
		zoneCacheHitsTotal.Add(ctx, 1)
		return results, nil
	}

	candidates, err := s.candidatesWithinRadius(ctx, in.Location, radius)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results = make([]NearbyStation, len(candidates))
	for i, st := range candidates {
		results[i] = NearbyStation{
			Station:    st,
			DistanceKm: rangecalc.HaversineKm(in.Location.Lat, in.Location.Lng, st.Latitude, st.Longitude),
		}
	}

	if cacheErr := s.cache.SetJSON(ctx, cacheKey, results, s.resultTTL); cacheErr != nil {
		s.logger.WarnContext(ctx, "nearby cache write failed", "key", cacheKey, "error", cacheErr)
	}
	return results, nil
}
