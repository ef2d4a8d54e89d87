// Package port exposes station discovery over HTTP.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/errmap"
	"github.com/voltgrid/ev-platform/internal/stations/app"
)

// stationService is a narrow, consumer-defined interface for the
// operations the handler requires. The *app.Service satisfies this.
type stationService interface {
	FindStations(ctx context.Context, in app.FindInput) (*app.RouteOptimizedResult, error)
	FindNearby(ctx context.Context, in app.NearbyInput) ([]app.NearbyStation, error)
}

// StationHandler translates HTTP requests into app-layer calls.
type StationHandler struct {
	svc      stationService
	validate *validator.Validate
}

// NewStationHandler creates a StationHandler backed by the given service.
func NewStationHandler(svc stationService) *StationHandler {
	return &StationHandler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the station endpoints on r.
func (h *StationHandler) Routes(r chi.Router) {
	r.Post("/stations/find", h.handleFind)
	r.Post("/stations/nearby", h.handleNearby)
}

type latLngBody struct {
	Lat float64 `json:"lat" validate:"min=-90,max=90"`
	Lng float64 `json:"lng" validate:"min=-180,max=180"`
}

type findBody struct {
	RegNumber         string      `json:"regNumber" validate:"required"`
	BatteryPercentage float64     `json:"batteryPercentage" validate:"min=0,max=100"`
	UserLocation      *latLngBody `json:"userLocation" validate:"required"`
	Destination       *latLngBody `json:"destination"`
}

type nearbyBody struct {
	UserLocation *latLngBody `json:"userLocation" validate:"required"`
	RadiusKm     float64     `json:"radiusKm" validate:"min=0"`
}

func (h *StationHandler) handleFind(w http.ResponseWriter, r *http.Request) {
	var body findBody
	if !h.decode(w, r, &body) {
		return
	}

	in := app.FindInput{
		RegNumber:         body.RegNumber,
		BatteryPercentage: body.BatteryPercentage,
		UserLocation:      app.LatLng{Lat: body.UserLocation.Lat, Lng: body.UserLocation.Lng},
	}
	if body.Destination != nil {
		in.Destination = &app.LatLng{Lat: body.Destination.Lat, Lng: body.Destination.Lng}
	}

	result, err := h.svc.FindStations(r.Context(), in)
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusOK, "Stations found", result)
}

func (h *StationHandler) handleNearby(w http.ResponseWriter, r *http.Request) {
	var body nearbyBody
	if !h.decode(w, r, &body) {
		return
	}

	stations, err := h.svc.FindNearby(r.Context(), app.NearbyInput{
		Location: app.LatLng{Lat: body.UserLocation.Lat, Lng: body.UserLocation.Lng},
		RadiusKm: body.RadiusKm,
	})
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusOK, "Stations found", map[string]any{
		"stations": stations,
		"count":    len(stations),
	})
}

func (h *StationHandler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		errmap.WriteError(w, fmt.Errorf("malformed request body: %w", domain.ErrValidation))
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		errmap.WriteError(w, fmt.Errorf("%s: %w", validationMessage(err), domain.ErrValidation))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fe.Field()
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
