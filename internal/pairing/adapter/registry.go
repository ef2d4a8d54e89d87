// Package adapter implements the pairing app ports over Postgres and
// Redis.
package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
	"github.com/voltgrid/ev-platform/internal/postgres"
)

var tracer = otel.Tracer("pairing/adapter")

// Compile-time check: Registry satisfies app.Registry.
var _ app.Registry = (*Registry)(nil)

// Registry runs pairing transactions. Concurrent pairings of the same
// chassis serialize on a transaction-scoped advisory lock; losers fail
// fast instead of queueing on row locks.
type Registry struct {
	db    *postgres.Client
	clock domain.Clock
}

// NewRegistry creates a Registry over db.
func NewRegistry(db *postgres.Client, clock domain.Clock) *Registry {
	return &Registry{db: db, clock: clock}
}

const deviceColumns = `id, user_id, vehicle_id, chassis_number, reg_number, bluetooth_mac,
	is_active, connected_at, last_seen, idempotency_key, created_at, updated_at`

const vehicleColumns = `id, reg_number, chassis_number, user_id, make, model, year,
	battery_capacity_kwh, efficiency_kwh_per_km, efficiency_factor, reserve_km,
	image_url, created_at, updated_at`

// PairDevice executes the pairing transaction: lock the chassis, replay on
// a known idempotency key, upsert the vehicle, upsert the paired device,
// and count the user's devices.
func (r *Registry) PairDevice(ctx context.Context, cmd app.PairCommand) (*app.PairOutcome, error) {
	ctx, span := tracer.Start(ctx, "postgres.pairing.pair_device")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	var outcome *app.PairOutcome
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		acquired, err := postgres.AdvisoryTryLock(ctx, tx, cmd.ChassisNumber)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("chassis %s is being paired: %w", cmd.ChassisNumber, domain.ErrResourceLocked)
		}

		if cmd.IdempotencyKey != "" {
			replay, err := r.findByIdempotencyKey(ctx, tx, cmd.UserID, cmd.IdempotencyKey)
			if err != nil {
				return err
			}
			if replay != nil {
				outcome = replay
				return nil
			}
		}

		vehicle, err := r.upsertVehicle(ctx, tx, cmd)
		if err != nil {
			return err
		}
		device, err := r.upsertDevice(ctx, tx, cmd, vehicle.ID)
		if err != nil {
			return err
		}
		active, all, err := r.countDevices(ctx, tx, cmd.UserID)
		if err != nil {
			return err
		}

		outcome = &app.PairOutcome{
			Device:      *device,
			Vehicle:     *vehicle,
			ActiveCount: active,
			AllCount:    all,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return outcome, nil
}

// findByIdempotencyKey answers a replayed pairing from its earlier commit.
func (r *Registry) findByIdempotencyKey(ctx context.Context, tx *sqlx.Tx, userID, key string) (*app.PairOutcome, error) {
	var device domain.PairedDevice
	query := `SELECT ` + deviceColumns + ` FROM paired_devices WHERE user_id = $1 AND idempotency_key = $2`
	if err := tx.GetContext(ctx, &device, query, userID, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", postgres.TranslateError(err))
	}

	var vehicle domain.Vehicle
	if err := tx.GetContext(ctx, &vehicle, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, device.VehicleID); err != nil {
		return nil, fmt.Errorf("replay vehicle lookup: %w", postgres.TranslateError(err))
	}
	active, all, err := r.countDevices(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	return &app.PairOutcome{
		Device:      device,
		Vehicle:     vehicle,
		ActiveCount: active,
		AllCount:    all,
		Replayed:    true,
	}, nil
}

// upsertVehicle resolves the vehicle by chassis first, then by reg, and
// creates it when neither matches. An existing unbound vehicle is bound to
// the pairing user.
func (r *Registry) upsertVehicle(ctx context.Context, tx *sqlx.Tx, cmd app.PairCommand) (*domain.Vehicle, error) {
	now := r.clock.Now().UTC()

	vehicle, err := r.findVehicle(ctx, tx, cmd.ChassisNumber, cmd.RegNumber)
	if err != nil {
		return nil, err
	}

	if vehicle == nil {
		vehicle = &domain.Vehicle{
			ID:            uuid.NewString(),
			RegNumber:     cmd.RegNumber,
			ChassisNumber: cmd.ChassisNumber,
			UserID:        sql.NullString{String: cmd.UserID, Valid: true},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		applyStatic(vehicle, cmd.VehicleStatic)
		query := `INSERT INTO vehicles (` + vehicleColumns + `)
			VALUES (:id, :reg_number, :chassis_number, :user_id, :make, :model, :year,
				:battery_capacity_kwh, :efficiency_kwh_per_km, :efficiency_factor, :reserve_km,
				:image_url, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, query, vehicle); err != nil {
			return nil, fmt.Errorf("insert vehicle: %w", postgres.TranslateError(err))
		}
		return vehicle, nil
	}

	vehicle.RegNumber = cmd.RegNumber
	vehicle.ChassisNumber = cmd.ChassisNumber
	if !vehicle.UserID.Valid {
		vehicle.UserID = sql.NullString{String: cmd.UserID, Valid: true}
	}
	applyStatic(vehicle, cmd.VehicleStatic)
	vehicle.UpdatedAt = now

	query := `UPDATE vehicles SET reg_number = :reg_number, chassis_number = :chassis_number,
		user_id = :user_id, make = :make, model = :model, year = :year,
		battery_capacity_kwh = :battery_capacity_kwh, efficiency_kwh_per_km = :efficiency_kwh_per_km,
		image_url = :image_url, updated_at = :updated_at
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, query, vehicle); err != nil {
		return nil, fmt.Errorf("update vehicle: %w", postgres.TranslateError(err))
	}
	return vehicle, nil
}

func (r *Registry) findVehicle(ctx context.Context, tx *sqlx.Tx, chassis, reg string) (*domain.Vehicle, error) {
	var vehicle domain.Vehicle
	err := tx.GetContext(ctx, &vehicle, `SELECT `+vehicleColumns+` FROM vehicles WHERE chassis_number = $1`, chassis)
	if err == nil {
		return &vehicle, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle by chassis: %w", postgres.TranslateError(err))
	}

	err = tx.GetContext(ctx, &vehicle, `SELECT `+vehicleColumns+` FROM vehicles WHERE reg_number = $1`, reg)
	if err == nil {
		return &vehicle, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle by reg: %w", postgres.TranslateError(err))
	}
	return nil, nil
}

// upsertDevice re-activates the user's existing pairing for the chassis or
// inserts a fresh row.
func (r *Registry) upsertDevice(ctx context.Context, tx *sqlx.Tx, cmd app.PairCommand, vehicleID string) (*domain.PairedDevice, error) {
	now := r.clock.Now().UTC()

	var device domain.PairedDevice
	query := `SELECT ` + deviceColumns + ` FROM paired_devices WHERE user_id = $1 AND chassis_number = $2`
	err := tx.GetContext(ctx, &device, query, cmd.UserID, cmd.ChassisNumber)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device lookup: %w", postgres.TranslateError(err))
	}

	if errors.Is(err, sql.ErrNoRows) {
		device = domain.PairedDevice{
			ID:             uuid.NewString(),
			UserID:         cmd.UserID,
			VehicleID:      vehicleID,
			ChassisNumber:  cmd.ChassisNumber,
			RegNumber:      cmd.RegNumber,
			BluetoothMAC:   nullString(cmd.BluetoothMAC),
			IsActive:       true,
			ConnectedAt:    now,
			LastSeen:       now,
			IdempotencyKey: nullString(cmd.IdempotencyKey),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		insert := `INSERT INTO paired_devices (` + deviceColumns + `)
			VALUES (:id, :user_id, :vehicle_id, :chassis_number, :reg_number, :bluetooth_mac,
				:is_active, :connected_at, :last_seen, :idempotency_key, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, insert, device); err != nil {
			return nil, fmt.Errorf("insert device: %w", postgres.TranslateError(err))
		}
		return &device, nil
	}

	device.VehicleID = vehicleID
	device.RegNumber = cmd.RegNumber
	if cmd.BluetoothMAC != "" {
		device.BluetoothMAC = nullString(cmd.BluetoothMAC)
	}
	device.IsActive = true
	device.ConnectedAt = now
	device.LastSeen = now
	device.IdempotencyKey = nullString(cmd.IdempotencyKey)
	device.UpdatedAt = now

	update := `UPDATE paired_devices SET vehicle_id = :vehicle_id, reg_number = :reg_number,
		bluetooth_mac = :bluetooth_mac, is_active = true, connected_at = :connected_at,
		last_seen = :last_seen, idempotency_key = :idempotency_key, updated_at = :updated_at
		WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, update, device); err != nil {
		return nil, fmt.Errorf("update device: %w", postgres.TranslateError(err))
	}
	return &device, nil
}

func (r *Registry) countDevices(ctx context.Context, tx *sqlx.Tx, userID string) (active, all int, err error) {
	query := `SELECT COUNT(*) FILTER (WHERE is_active), COUNT(*) FROM paired_devices WHERE user_id = $1`
	if err := tx.QueryRowContext(ctx, query, userID).Scan(&active, &all); err != nil {
		return 0, 0, fmt.Errorf("count devices: %w", postgres.TranslateError(err))
	}
	return active, all, nil
}

func applyStatic(v *domain.Vehicle, static *app.VehicleStatic) {
	if static == nil {
		return
	}
	if static.Make != "" {
		v.Make = static.Make
	}
	if static.Model != "" {
		v.Model = static.Model
	}
	if static.Year != 0 {
		v.Year = static.Year
	}
	if static.BatteryCapacityKWh > 0 {
		v.BatteryCapacityKWh = static.BatteryCapacityKWh
	}
	if static.EfficiencyKWhPerKm > 0 {
		v.EfficiencyKWhPerKm = static.EfficiencyKWhPerKm
	}
	if static.ImageURL != "" {
		v.ImageURL = static.ImageURL
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
