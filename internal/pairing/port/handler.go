// Package port exposes vehicle pairing and the listings over HTTP. Every
// route requires a bearer access token; the composition root wraps the
// router with the auth middleware.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/errmap"
	otpauthport "github.com/voltgrid/ev-platform/internal/otpauth/port"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
)

// pairingService is a narrow, consumer-defined interface for the
// operations the handler requires. The *app.Service satisfies this.
type pairingService interface {
	Pair(ctx context.Context, in app.PairInput) (*app.PairResult, error)
	ListPairedDevices(ctx context.Context, in app.ListInput) (*app.DevicePage, error)
	ListVehicles(ctx context.Context, in app.VehiclesInput) (*app.VehiclePage, error)
}

// PairingHandler translates HTTP requests into app-layer calls.
type PairingHandler struct {
	svc      pairingService
	validate *validator.Validate
}

// NewPairingHandler creates a PairingHandler backed by the given service.
func NewPairingHandler(svc pairingService) *PairingHandler {
	return &PairingHandler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes mounts the vehicle endpoints on r.
func (h *PairingHandler) Routes(r chi.Router) {
	r.Post("/vehicles/pair", h.handlePair)
	r.Get("/vehicles/paired-devices", h.handleListDevices)
	r.Get("/vehicles/all", h.handleListVehicles)
}

type pairBody struct {
	ChassisNumber string             `json:"chassis_number" validate:"required"`
	RegNumber     string             `json:"reg_number" validate:"required"`
	BluetoothMAC  string             `json:"bluetooth_mac" validate:"omitempty,mac"`
	VehicleStatic *app.VehicleStatic `json:"vehicle_static"`
}

func (h *PairingHandler) handlePair(w http.ResponseWriter, r *http.Request) {
	var body pairBody
	if !h.decode(w, r, &body) {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" {
		if _, err := uuid.Parse(idempotencyKey); err != nil {
			errmap.WriteError(w, fmt.Errorf("Idempotency-Key must be a UUID: %w", domain.ErrValidation))
			return
		}
	}

	result, err := h.svc.Pair(r.Context(), app.PairInput{
		UserID:         otpauthport.UserIDFromContext(r.Context()),
		ChassisNumber:  body.ChassisNumber,
		RegNumber:      body.RegNumber,
		BluetoothMAC:   body.BluetoothMAC,
		VehicleStatic:  body.VehicleStatic,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	message := "Device paired"
	if result.Replayed {
		status = http.StatusOK
		message = "Device already paired"
	}
	errmap.WriteSuccess(w, status, message, result)
}

func (h *PairingHandler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	in := app.ListInput{
		UserID:     otpauthport.UserIDFromContext(r.Context()),
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Limit:      queryInt(r, "limit"),
		Cursor:     r.URL.Query().Get("cursor"),
		Sort:       r.URL.Query().Get("sort"),
	}
	if include := r.URL.Query().Get("include"); include != "" {
		in.Include = strings.Split(include, ",")
	}

	page, err := h.svc.ListPairedDevices(r.Context(), in)
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	w.Header().Set("X-Total-Active", strconv.Itoa(page.TotalActive))
	w.Header().Set("X-Total-All", strconv.Itoa(page.TotalAll))
	errmap.WriteSuccess(w, http.StatusOK, "Paired devices", page)
}

func (h *PairingHandler) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.ListVehicles(r.Context(), app.VehiclesInput{
		UserID:            otpauthport.UserIDFromContext(r.Context()),
		ActiveOnly:        r.URL.Query().Get("active") == "true",
		Limit:             queryInt(r, "limit"),
		Cursor:            r.URL.Query().Get("cursor"),
		Sort:              r.URL.Query().Get("sort"),
		SelectedVehicleID: r.URL.Query().Get("selected_vehicle_id"),
	})
	if err != nil {
		errmap.WriteError(w, err)
		return
	}

	errmap.WriteSuccess(w, http.StatusOK, "Vehicles", page)
}

func (h *PairingHandler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
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

func queryInt(r *http.Request, key string) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
