package adapter_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/postgres"
	"github.com/voltgrid/ev-platform/internal/stations/adapter"
)

func newMockVehicleStore(t *testing.T) (*adapter.VehicleStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return adapter.NewVehicleStore(postgres.NewClientFromDB(db)), mock
}

func vehicleRows(id, regNumber string) *sqlmock.Rows {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "reg_number", "chassis_number", "user_id", "make", "model", "year",
		"battery_capacity_kwh", "efficiency_kwh_per_km", "efficiency_factor",
		"reserve_km", "image_url", "created_at", "updated_at",
	}).AddRow(id, regNumber, "CH-"+id, "user-1", "Tata", "Nexon EV", 2024,
		30.0, 6.0, 0.88, 7.0, "", now, now)
}

func TestVehicleStore_GetByRegNumber(t *testing.T) {
	ctx := context.Background()

	t.Run("loads the vehicle row", func(t *testing.T) {
		store, mock := newMockVehicleStore(t)
		mock.ExpectQuery(`FROM vehicles WHERE reg_number = \$1`).
			WithArgs("KA01AB1234").
			WillReturnRows(vehicleRows("veh-1", "KA01AB1234"))

		v, err := store.GetByRegNumber(ctx, "KA01AB1234")

		require.NoError(t, err)
		assert.Equal(t, "veh-1", v.ID)
		assert.InDelta(t, 30.0, v.BatteryCapacityKWh, 1e-9)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row maps to vehicle not found", func(t *testing.T) {
		store, mock := newMockVehicleStore(t)
		mock.ExpectQuery(`FROM vehicles WHERE reg_number = \$1`).
			WithArgs("KA99ZZ9999").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetByRegNumber(ctx, "KA99ZZ9999")

		assert.ErrorIs(t, err, domain.ErrVehicleNotFound)
	})
}

// fakeVehicleSource counts lookups so cache behavior is observable.
type fakeVehicleSource struct {
	mu       sync.Mutex
	vehicles map[string]*domain.Vehicle
	calls    int
}

func (f *fakeVehicleSource) GetByRegNumber(_ context.Context, regNumber string) (*domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.vehicles[regNumber]
	if !ok {
		return nil, domain.ErrVehicleNotFound
	}
	copied := *v
	return &copied, nil
}

func (f *fakeVehicleSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCachedVehicles(t *testing.T) {
	ctx := context.Background()

	vehicle := &domain.Vehicle{
		ID:                 "veh-1",
		RegNumber:          "KA01AB1234",
		BatteryCapacityKWh: 30,
		EfficiencyKWhPerKm: 6,
	}

	t.Run("second read is served from the cache", func(t *testing.T) {
		kv, mr := newTestKV(t)
		source := &fakeVehicleSource{vehicles: map[string]*domain.Vehicle{"KA01AB1234": vehicle}}
		cached := adapter.NewCachedVehicles(source, kv)

		first, err := cached.GetByRegNumber(ctx, "KA01AB1234")
		require.NoError(t, err)
		second, err := cached.GetByRegNumber(ctx, "KA01AB1234")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, source.callCount())

		ttl := mr.TTL("vehicle:KA01AB1234")
		assert.Greater(t, ttl, 4*time.Minute)
		assert.LessOrEqual(t, ttl, 5*time.Minute)
	})

	t.Run("cache expiry falls through to the source", func(t *testing.T) {
		kv, mr := newTestKV(t)
		source := &fakeVehicleSource{vehicles: map[string]*domain.Vehicle{"KA01AB1234": vehicle}}
		cached := adapter.NewCachedVehicles(source, kv)

		_, err := cached.GetByRegNumber(ctx, "KA01AB1234")
		require.NoError(t, err)
		mr.FastForward(6 * time.Minute)
		_, err = cached.GetByRegNumber(ctx, "KA01AB1234")
		require.NoError(t, err)

		assert.Equal(t, 2, source.callCount())
	})

	t.Run("missing vehicle is not cached", func(t *testing.T) {
		kv, mr := newTestKV(t)
		source := &fakeVehicleSource{vehicles: map[string]*domain.Vehicle{}}
		cached := adapter.NewCachedVehicles(source, kv)

		_, err := cached.GetByRegNumber(ctx, "KA99ZZ9999")

		assert.ErrorIs(t, err, domain.ErrVehicleNotFound)
		assert.False(t, mr.Exists("vehicle:KA99ZZ9999"))
	})

	t.Run("cache outage degrades to a direct read", func(t *testing.T) {
		kv, mr := newTestKV(t)
		source := &fakeVehicleSource{vehicles: map[string]*domain.Vehicle{"KA01AB1234": vehicle}}
		cached := adapter.NewCachedVehicles(source, kv)
		mr.SetError("connection refused")

		v, err := cached.GetByRegNumber(ctx, "KA01AB1234")

		require.NoError(t, err)
		assert.Equal(t, "veh-1", v.ID)
	})
}
