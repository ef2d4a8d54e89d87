package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
	"github.com/voltgrid/ev-platform/internal/postgres"
)

// Compile-time check: DeviceStore satisfies app.DeviceLister.
var _ app.DeviceLister = (*DeviceStore)(nil)

// DeviceStore reads paired-device and vehicle rows for the listings.
type DeviceStore struct {
	db *postgres.Client
}

// NewDeviceStore creates a DeviceStore over db.
func NewDeviceStore(db *postgres.Client) *DeviceStore {
	return &DeviceStore{db: db}
}

// ListPairedDevices returns up to q.Limit devices in the requested order.
// The cursor pins a (timestamp, id) tuple; ties break on id so pages stay
// stable under concurrent mutation.
func (s *DeviceStore) ListPairedDevices(ctx context.Context, q app.DeviceQuery) ([]domain.PairedDevice, error) {
	ctx, span := tracer.Start(ctx, "postgres.devices.list")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	sortCol := "last_seen"
	if q.Sort == app.SortConnectedAtDesc {
		sortCol = "connected_at"
	}

	query := `SELECT ` + deviceColumns + ` FROM paired_devices WHERE user_id = $1`
	args := []any{q.UserID}
	if q.ActiveOnly {
		query += ` AND is_active = true`
	}
	if q.After != nil {
		query += fmt.Sprintf(` AND (%s, id) < ($%d, $%d)`, sortCol, len(args)+1, len(args)+2)
		args = append(args, q.After.LastSeen, q.After.ID)
	}
	query += fmt.Sprintf(` ORDER BY %s DESC, id DESC LIMIT $%d`, sortCol, len(args)+1)
	args = append(args, q.Limit)

	var devices []domain.PairedDevice
	if err := s.db.DB.SelectContext(ctx, &devices, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list paired devices: %w", postgres.TranslateError(err))
	}
	return devices, nil
}

// GetVehiclesByIDs loads the given vehicles in one query.
func (s *DeviceStore) GetVehiclesByIDs(ctx context.Context, ids []string) (map[string]domain.Vehicle, error) {
	ctx, span := tracer.Start(ctx, "postgres.devices.vehicles_by_ids")
	defer span.End()
	span.SetAttributes(attribute.Int("vehicles.count", len(ids)))

	if len(ids) == 0 {
		return map[string]domain.Vehicle{}, nil
	}

	query, args, err := sqlx.In(`SELECT `+vehicleColumns+` FROM vehicles WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build vehicle id query: %w", err)
	}
	query = s.db.DB.Rebind(query)

	var vehicles []domain.Vehicle
	if err := s.db.DB.SelectContext(ctx, &vehicles, query, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("vehicle batch query: %w", postgres.TranslateError(err))
	}

	out := make(map[string]domain.Vehicle, len(vehicles))
	for _, v := range vehicles {
		out[v.ID] = v
	}
	return out, nil
}

// CountDevices counts the user's paired devices.
func (s *DeviceStore) CountDevices(ctx context.Context, userID string, activeOnly bool) (int, error) {
	ctx, span := tracer.Start(ctx, "postgres.devices.count")
	defer span.End()

	query := `SELECT COUNT(*) FROM paired_devices WHERE user_id = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}

	var n int
	if err := s.db.DB.GetContext(ctx, &n, query, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("count paired devices: %w", postgres.TranslateError(err))
	}
	return n, nil
}

// GetPairedVehicle resolves one of the user's paired vehicles; (nil, nil,
// nil) means the user has no pairing for it.
func (s *DeviceStore) GetPairedVehicle(ctx context.Context, userID, vehicleID string) (*domain.PairedDevice, *domain.Vehicle, error) {
	ctx, span := tracer.Start(ctx, "postgres.devices.paired_vehicle")
	defer span.End()

	var device domain.PairedDevice
	query := `SELECT ` + deviceColumns + ` FROM paired_devices WHERE user_id = $1 AND vehicle_id = $2`
	if err := s.db.DB.GetContext(ctx, &device, query, userID, vehicleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("paired vehicle lookup: %w", postgres.TranslateError(err))
	}

	var vehicle domain.Vehicle
	if err := s.db.DB.GetContext(ctx, &vehicle, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, vehicleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("selected vehicle lookup: %w", postgres.TranslateError(err))
	}
	return &device, &vehicle, nil
}
