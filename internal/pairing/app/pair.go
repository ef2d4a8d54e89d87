package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// PairInput is a pairing request from an authenticated user.
type PairInput struct {
	UserID         string
	ChassisNumber  string
	RegNumber      string
	BluetoothMAC   string
	VehicleStatic  *VehicleStatic
	IdempotencyKey string
}

// PairResult is the pairing response.
type PairResult struct {
	DeviceID    string `json:"device_id"`
	VehicleID   string `json:"vehicle_id"`
	ActiveCount int    `json:"active_count"`
	Replayed    bool   `json:"-"`
}

// Pair links the user's device to a vehicle. The registry serializes
// concurrent pairings of the same chassis; on success the listing caches
// are invalidated and the counters refreshed.
func (s *Service) Pair(ctx context.Context, in PairInput) (*PairResult, error) {
	ctx, span := tracer.Start(ctx, "pairing.pair")
	defer span.End()
	span.SetAttributes(attribute.Bool("pairing.idempotency_key", in.IdempotencyKey != ""))

	if in.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	in.RegNumber = domain.CanonicalRegNumber(in.RegNumber)
	if in.ChassisNumber == "" || in.RegNumber == "" {
		return nil, fmt.Errorf("chassis_number and reg_number are required: %w", domain.ErrValidation)
	}

	outcome, err := s.registry.PairDevice(ctx, PairCommand{
		UserID:         in.UserID,
		ChassisNumber:  in.ChassisNumber,
		RegNumber:      in.RegNumber,
		BluetoothMAC:   in.BluetoothMAC,
		VehicleStatic:  in.VehicleStatic,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if outcome.Replayed {
		pairingReplaysTotal.Add(ctx, 1)
	} else {
		pairingsTotal.Add(ctx, 1)
		s.invalidateListings(ctx, in.UserID, Counts{Active: outcome.ActiveCount, All: outcome.AllCount})
	}

	s.logger.InfoContext(ctx, "device paired",
		"user_id", in.UserID, "vehicle_id", outcome.Vehicle.ID, "replayed", outcome.Replayed)

	return &PairResult{
		DeviceID:    outcome.Device.ID,
		VehicleID:   outcome.Vehicle.ID,
		ActiveCount: outcome.ActiveCount,
		Replayed:    outcome.Replayed,
	}, nil
}

// invalidateListings bumps the per-user cache version and refreshes the
// counter keys. Both are best effort: a stale page expires within its own
// short TTL anyway.
func (s *Service) invalidateListings(ctx context.Context, userID string, c Counts) {
	if err := s.cache.BumpVersion(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "listing version bump failed", "user_id", userID, "error", err)
	}
	if err := s.cache.SetCounts(ctx, userID, c); err != nil {
		s.logger.WarnContext(ctx, "counter refresh failed", "user_id", userID, "error", err)
	}
}
