package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
)

func pairOutcome(replayed bool) *app.PairOutcome {
	return &app.PairOutcome{
		Device:      domain.PairedDevice{ID: "dev-1", UserID: "u1", VehicleID: "veh-1", IsActive: true},
		Vehicle:     domain.Vehicle{ID: "veh-1", RegNumber: "KA01AB1234", ChassisNumber: "MAT123"},
		ActiveCount: 2,
		AllCount:    3,
		Replayed:    replayed,
	}
}

func TestPair(t *testing.T) {
	ctx := context.Background()

	t.Run("pairs a device and refreshes the listing caches", func(t *testing.T) {
		f := newFixture(t)
		f.registry.outcome = pairOutcome(false)

		result, err := f.svc.Pair(ctx, app.PairInput{
			UserID:         "u1",
			ChassisNumber:  "MAT123",
			RegNumber:      "KA01AB1234",
			BluetoothMAC:   "aa:bb:cc:dd:ee:ff",
			IdempotencyKey: "5a3e1f9c-7a6f-4e12-9f93-8d6c2f0a1b2c",
		})

		require.NoError(t, err)
		assert.Equal(t, "dev-1", result.DeviceID)
		assert.Equal(t, "veh-1", result.VehicleID)
		assert.Equal(t, 2, result.ActiveCount)
		assert.False(t, result.Replayed)

		require.Len(t, f.registry.cmds, 1)
		cmd := f.registry.cmds[0]
		assert.Equal(t, "u1", cmd.UserID)
		assert.Equal(t, "MAT123", cmd.ChassisNumber)
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", cmd.BluetoothMAC)
		assert.Equal(t, "5a3e1f9c-7a6f-4e12-9f93-8d6c2f0a1b2c", cmd.IdempotencyKey)

		counts, found, err := f.cache.GetCounts(ctx, "u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, app.Counts{Active: 2, All: 3}, counts)
	})

	t.Run("reg number is canonicalized before it reaches the registry", func(t *testing.T) {
		f := newFixture(t)
		f.registry.outcome = pairOutcome(false)

		_, err := f.svc.Pair(ctx, app.PairInput{
			UserID:        "u1",
			ChassisNumber: "MAT123",
			RegNumber:     " ka01ab1234 ",
		})

		require.NoError(t, err)
		require.Len(t, f.registry.cmds, 1)
		assert.Equal(t, "KA01AB1234", f.registry.cmds[0].RegNumber)
	})

	t.Run("a successful pairing invalidates cached listing pages", func(t *testing.T) {
		f := newFixture(t)
		f.registry.outcome = pairOutcome(false)
		f.seedDevice("dev-a", "u1", "veh-a", true, f.clock.Now())

		_, err := f.svc.ListPairedDevices(ctx, app.ListInput{UserID: "u1"})
		require.NoError(t, err)
		require.Equal(t, 1, f.lister.listCalls)

		_, err = f.svc.Pair(ctx, app.PairInput{UserID: "u1", ChassisNumber: "MAT123", RegNumber: "KA01AB1234"})
		require.NoError(t, err)

		_, err = f.svc.ListPairedDevices(ctx, app.ListInput{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, 2, f.lister.listCalls, "version bump must orphan the cached page")
	})

	t.Run("an idempotent replay leaves the caches alone", func(t *testing.T) {
		f := newFixture(t)
		f.registry.outcome = pairOutcome(true)

		result, err := f.svc.Pair(ctx, app.PairInput{
			UserID:        "u1",
			ChassisNumber: "MAT123",
			RegNumber:     "KA01AB1234",
		})

		require.NoError(t, err)
		assert.True(t, result.Replayed)
		assert.False(t, f.mr.Exists("paired:ver:u1"))
		assert.False(t, f.mr.Exists("paired:count:active:u1"))
	})

	t.Run("rejects an unauthenticated request", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Pair(ctx, app.PairInput{ChassisNumber: "MAT123", RegNumber: "KA01AB1234"})

		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		assert.Empty(t, f.registry.cmds)
	})

	t.Run("rejects a request missing identifiers", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Pair(ctx, app.PairInput{UserID: "u1", RegNumber: "KA01AB1234"})
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = f.svc.Pair(ctx, app.PairInput{UserID: "u1", ChassisNumber: "MAT123"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("propagates a contended chassis lock", func(t *testing.T) {
		f := newFixture(t)
		f.registry.err = domain.ErrResourceLocked

		_, err := f.svc.Pair(ctx, app.PairInput{UserID: "u1", ChassisNumber: "MAT123", RegNumber: "KA01AB1234"})

		assert.ErrorIs(t, err, domain.ErrResourceLocked)
		assert.False(t, f.mr.Exists("paired:ver:u1"))
	})

	t.Run("a cache outage does not fail the pairing", func(t *testing.T) {
		f := newFixture(t)
		f.registry.outcome = pairOutcome(false)
		f.mr.SetError("redis is down")
		defer f.mr.SetError("")

		result, err := f.svc.Pair(ctx, app.PairInput{UserID: "u1", ChassisNumber: "MAT123", RegNumber: "KA01AB1234"})

		require.NoError(t, err)
		assert.Equal(t, "dev-1", result.DeviceID)
	})

	t.Run("passes static vehicle attributes through to the registry", func(t *testing.T) {
		f := newFixture(t)
		f.registry.outcome = pairOutcome(false)

		static := &app.VehicleStatic{
			Make:               "Tata",
			Model:              "Nexon EV",
			Year:               2024,
			BatteryCapacityKWh: 30,
			EfficiencyKWhPerKm: 0.15,
		}
		_, err := f.svc.Pair(ctx, app.PairInput{
			UserID:        "u1",
			ChassisNumber: "MAT123",
			RegNumber:     "KA01AB1234",
			VehicleStatic: static,
		})

		require.NoError(t, err)
		require.Len(t, f.registry.cmds, 1)
		require.NotNil(t, f.registry.cmds[0].VehicleStatic)
		assert.Equal(t, *static, *f.registry.cmds[0].VehicleStatic)
	})
}
