package app

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/stations/rangecalc"
)

// FindInput is a route-optimized discovery request.
type FindInput struct {
	RegNumber         string
	BatteryPercentage float64
	UserLocation      LatLng
	Destination       *LatLng
}

// StationResult is one station in a discovery response, annotated with its
// straight-line distance from the user and the recommendation label.
type StationResult struct {
	domain.Station
	DistanceFromUserKm float64 `json:"distanceFromUserKm"`
	IsRecommended      bool    `json:"isRecommended"`
}

// MapMarker is a point the client should render.
type MapMarker struct {
	Type     string `json:"type"`
	Position LatLng `json:"position"`
}

// MapData is the client rendering payload. The polyline is a straight
// segment between user and destination, not a road route.
type MapData struct {
	Markers  []MapMarker `json:"markers"`
	Polyline []LatLng    `json:"polyline"`
}

// RouteSafety grades whether the planned route is reachable on charge.
type RouteSafety struct {
	SafetyRatio float64                 `json:"safetyRatio"`
	Level       domain.RouteSafetyLevel `json:"level"`
}

// RouteOptimizedResult is the full discovery response.
type RouteOptimizedResult struct {
	BatteryPercentage    float64            `json:"batteryPercentage"`
	UsableRangeKm        float64            `json:"usableRangeKm"`
	TotalRouteDistanceKm float64            `json:"totalRouteDistanceKm"`
	Strategy             rangecalc.Strategy `json:"chargingStrategy"`
	MapData              MapData            `json:"mapData"`
	Stations             []StationResult    `json:"stations"`
	NextChargingStop     *StationResult     `json:"nextChargingStop,omitempty"`
	RouteSafety          RouteSafety        `json:"routeSafety"`
}

// FindStations runs the discovery pipeline: resolve the vehicle, compute
// the charging strategy, gather candidate stations around the user, filter
// by the route corridor, label recommendations, and grade route safety.
func (s *Service) FindStations(ctx context.Context, in FindInput) (*RouteOptimizedResult, error) {
	ctx, span := tracer.Start(ctx, "stations.find")
	defer span.End()
	span.SetAttributes(attribute.Float64("vehicle.battery_pct", in.BatteryPercentage))
	stationSearchesTotal.Add(ctx, 1)

	in.RegNumber = domain.CanonicalRegNumber(in.RegNumber)
	if err := validateFindInput(in); err != nil {
		return nil, err
	}

	vehicle, err := s.vehicles.GetByRegNumber(ctx, in.RegNumber)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	strategy := rangecalc.Compute(rangecalc.SpecFromVehicle(vehicle), in.BatteryPercentage)

	routeKm := 0.0
	if in.Destination != nil {
		routeKm = rangecalc.HaversineKm(
			in.UserLocation.Lat, in.UserLocation.Lng,
			in.Destination.Lat, in.Destination.Lng)
	}

	// A route longer than the usable range widens the search so that
	// stations along the whole corridor are considered.
	searchRadius := strategy.UsableRangeKm
	if routeKm > strategy.UsableRangeKm {
		searchRadius = math.Max(strategy.UsableRangeKm*1.5, routeKm*1.2)
	}

	cacheKey := zoneCacheKey(in, searchRadius)
	var results []StationResult
	hit, err := s.cache.GetJSON(ctx, cacheKey, &results)
	if err != nil {
		// Cache outages degrade to a full recompute.
		s.logger.WarnContext(ctx, "zone cache read failed", "key", cacheKey, "error", err)
		hit = false
	}
	if hit {
		zoneCacheHitsTotal.Add(ctx, 1)
	} else {
		results, err = s.collectStations(ctx, in, strategy, searchRadius)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if cacheErr := s.cache.SetJSON(ctx, cacheKey, results, s.resultTTL); cacheErr != nil {
			s.logger.WarnContext(ctx, "zone cache write failed", "key", cacheKey, "error", cacheErr)
		}
	}

	result := &RouteOptimizedResult{
		BatteryPercentage:    in.BatteryPercentage,
		UsableRangeKm:        strategy.UsableRangeKm,
		TotalRouteDistanceKm: routeKm,
		Strategy:             strategy,
		MapData:              buildMapData(in),
		Stations:             results,
		NextChargingStop:     firstRecommended(results),
		RouteSafety:          gradeRouteSafety(strategy, routeKm, results),
	}
	return result, nil
}

// collectStations gathers, enriches, filters, labels, and sorts the
// candidate stations for one search.
func (s *Service) collectStations(ctx context.Context, in FindInput, strategy rangecalc.Strategy, searchRadius float64) ([]StationResult, error) {
	candidates, err := s.candidatesWithinRadius(ctx, in.UserLocation, searchRadius)
	if err != nil {
		return nil, err
	}

	results := make([]StationResult, 0, len(candidates))
	for _, st := range candidates {
		if in.Destination != nil && !s.onRouteCorridor(in.UserLocation, *in.Destination, st) {
			continue
		}
		dist := rangecalc.HaversineKm(in.UserLocation.Lat, in.UserLocation.Lng, st.Latitude, st.Longitude)
		results = append(results, StationResult{
			Station:            st,
			DistanceFromUserKm: dist,
			IsRecommended:      strategy.IsRecommended(dist),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].DistanceFromUserKm < results[j].DistanceFromUserKm
	})
	return results, nil
}

// candidatesWithinRadius queries the geo index, backfilling metadata from
// the database and falling back to a database radius query when the index
// is cold.
func (s *Service) candidatesWithinRadius(ctx context.Context, loc LatLng, radiusKm float64) ([]domain.Station, error) {
	hits, err := s.geo.FindWithinRadius(ctx, loc.Lat, loc.Lng, radiusKm, s.geoQueryLimit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		geoFallbacksTotal.Add(ctx, 1)
		return s.stations.FindWithinRadius(ctx, loc.Lat, loc.Lng, radiusKm, s.geoQueryLimit)
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	meta, err := s.geo.BatchGetMetadata(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Hashes expire independently of the geo set; reload stragglers.
	var missing []string
	for _, id := range ids {
		if _, ok := meta[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fromDB, err := s.stations.GetByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for id, st := range fromDB {
			meta[id] = st
		}
	}

	stations := make([]domain.Station, 0, len(ids))
	for _, id := range ids {
		if st, ok := meta[id]; ok {
			stations = append(stations, st)
		}
	}
	return stations, nil
}

// onRouteCorridor reports whether the station lies within the allowed
// deviation of the straight user-to-destination route.
func (s *Service) onRouteCorridor(user, dest LatLng, st domain.Station) bool {
	toStation := rangecalc.HaversineKm(user.Lat, user.Lng, st.Latitude, st.Longitude)
	stationToDest := rangecalc.HaversineKm(st.Latitude, st.Longitude, dest.Lat, dest.Lng)
	direct := rangecalc.HaversineKm(user.Lat, user.Lng, dest.Lat, dest.Lng)
	return toStation+stationToDest-direct <= s.maxDeviationKm
}

func buildMapData(in FindInput) MapData {
	md := MapData{
		Markers: []MapMarker{{Type: "user", Position: in.UserLocation}},
	}
	if in.Destination != nil {
		md.Markers = append(md.Markers, MapMarker{Type: "destination", Position: *in.Destination})
		md.Polyline = []LatLng{in.UserLocation, *in.Destination}
	}
	return md
}

func firstRecommended(results []StationResult) *StationResult {
	for i := range results {
		if results[i].IsRecommended {
			return &results[i]
		}
	}
	return nil
}

// gradeRouteSafety grades the route against the usable range. Without a
// destination the ratio is reported as 0 and the route counts as safe
// unless the battery is critical with nothing recommended.
func gradeRouteSafety(strategy rangecalc.Strategy, routeKm float64, results []StationResult) RouteSafety {
	ratio := 0.0
	if routeKm > 0 {
		ratio = strategy.UsableRangeKm / routeKm
	}

	level := domain.RouteSafetySafe
	switch {
	case strategy.BatteryPercentage <= 20 && firstRecommended(results) == nil:
		level = domain.RouteSafetyCritical
	case routeKm > 0 && ratio < 1.2:
		level = domain.RouteSafetyRisky
	case routeKm > 0 && ratio < 1.5:
		level = domain.RouteSafetyModerate
	}
	return RouteSafety{SafetyRatio: ratio, Level: level}
}

// zoneCacheKey is deliberately coarse: coordinates round to 0.1 degrees,
// the radius floors to tens of km, and the battery buckets to tens of
// percent, so nearby requests share one cached result.
func zoneCacheKey(in FindInput, searchRadius float64) string {
	dest := "no_dest"
	if in.Destination != nil {
		dest = fmt.Sprintf("%.1f:%.1f", in.Destination.Lat, in.Destination.Lng)
	}
	return fmt.Sprintf("stations:zone:route:%.1f:%.1f:%d:%d:%s",
		in.UserLocation.Lat, in.UserLocation.Lng,
		int(searchRadius/10)*10,
		int(math.Round(in.BatteryPercentage/10))*10,
		dest)
}

func validateFindInput(in FindInput) error {
	if in.RegNumber == "" {
		return fmt.Errorf("regNumber is required: %w", domain.ErrValidation)
	}
	if in.BatteryPercentage < 0 || in.BatteryPercentage > 100 {
		return fmt.Errorf("batteryPercentage out of range: %w", domain.ErrValidation)
	}
	if !validLatLng(in.UserLocation) {
		return fmt.Errorf("userLocation out of range: %w", domain.ErrValidation)
	}
	if in.Destination != nil && !validLatLng(*in.Destination) {
		return fmt.Errorf("destination out of range: %w", domain.ErrValidation)
	}
	return nil
}

func validLatLng(p LatLng) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
