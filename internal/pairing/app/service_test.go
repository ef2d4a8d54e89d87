package app_test

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/domain/domaintest"
	"github.com/voltgrid/ev-platform/internal/pairing/adapter"
	"github.com/voltgrid/ev-platform/internal/pairing/app"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

// fakeRegistry records pairing commands and answers with a canned outcome.
type fakeRegistry struct {
	mu      sync.Mutex
	cmds    []app.PairCommand
	outcome *app.PairOutcome
	err     error
}

func (f *fakeRegistry) PairDevice(_ context.Context, cmd app.PairCommand) (*app.PairOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

// fakeLister serves devices and vehicles from memory with call counting.
type fakeLister struct {
	mu         sync.Mutex
	devices    []domain.PairedDevice
	vehicles   map[string]domain.Vehicle
	listCalls  int
	countCalls int
	vehicleErr error
}

func (f *fakeLister) ListPairedDevices(_ context.Context, q app.DeviceQuery) ([]domain.PairedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var out []domain.PairedDevice
	for _, d := range f.devices {
		if d.UserID != q.UserID {
			continue
		}
		if q.ActiveOnly && !d.IsActive {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := stamp(out[i], q.Sort), stamp(out[j], q.Sort)
		if a.Equal(b) {
			return out[i].ID > out[j].ID
		}
		return a.After(b)
	})
	if q.After != nil {
		var filtered []domain.PairedDevice
		for _, d := range out {
			s := stamp(d, q.Sort)
			if s.Before(q.After.LastSeen) || (s.Equal(q.After.LastSeen) && d.ID < q.After.ID) {
				filtered = append(filtered, d)
			}
		}
		out = filtered
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func stamp(d domain.PairedDevice, sortOrder string) time.Time {
	if sortOrder == app.SortConnectedAtDesc {
		return d.ConnectedAt
	}
	return d.LastSeen
}

func (f *fakeLister) GetVehiclesByIDs(_ context.Context, ids []string) (map[string]domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vehicleErr != nil {
		return nil, f.vehicleErr
	}
	out := make(map[string]domain.Vehicle)
	for _, id := range ids {
		if v, ok := f.vehicles[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeLister) CountDevices(_ context.Context, userID string, activeOnly bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	n := 0
	for _, d := range f.devices {
		if d.UserID != userID {
			continue
		}
		if activeOnly && !d.IsActive {
			continue
		}
		n++
	}
	return n, nil
}

func (f *fakeLister) GetPairedVehicle(_ context.Context, userID, vehicleID string) (*domain.PairedDevice, *domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.UserID == userID && d.VehicleID == vehicleID {
			if v, ok := f.vehicles[vehicleID]; ok {
				device := d
				return &device, &v, nil
			}
		}
	}
	return nil, nil, nil
}

// fakeStatuses serves latest statuses from memory.
type fakeStatuses struct {
	statuses map[string]app.VehicleStatus
}

func (f *fakeStatuses) BatchLatestStatus(_ context.Context, vehicleIDs []string) (map[string]app.VehicleStatus, error) {
	out := make(map[string]app.VehicleStatus)
	for _, id := range vehicleIDs {
		if st, ok := f.statuses[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

type fixture struct {
	svc      *app.Service
	registry *fakeRegistry
	lister   *fakeLister
	statuses *fakeStatuses
	cache    *adapter.ListCache
	clock    *domaintest.FakeClock
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	f := &fixture{
		registry: &fakeRegistry{},
		lister:   &fakeLister{vehicles: map[string]domain.Vehicle{}},
		statuses: &fakeStatuses{statuses: map[string]app.VehicleStatus{}},
		cache:    adapter.NewListCache(redisclient.NewKV(client.RDB)),
		clock:    domaintest.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		mr:       mr,
	}
	f.svc = app.NewService(app.ServiceConfig{
		Registry:     f.registry,
		Devices:      f.lister,
		Statuses:     f.statuses,
		Cache:        f.cache,
		Clock:        f.clock,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		AssetBaseURL: "https://assets.voltgrid.in",
	})
	return f
}

// seedDevice registers a device and its vehicle in the fake lister.
func (f *fixture) seedDevice(id, userID, vehicleID string, active bool, lastSeen time.Time) {
	f.lister.devices = append(f.lister.devices, domain.PairedDevice{
		ID:            id,
		UserID:        userID,
		VehicleID:     vehicleID,
		ChassisNumber: "CH-" + vehicleID,
		RegNumber:     "KA01-" + vehicleID,
		IsActive:      active,
		ConnectedAt:   lastSeen.Add(-time.Hour),
		LastSeen:      lastSeen,
	})
	f.lister.vehicles[vehicleID] = domain.Vehicle{
		ID:                 vehicleID,
		RegNumber:          "KA01-" + vehicleID,
		ChassisNumber:      "CH-" + vehicleID,
		Make:               "Tata",
		Model:              "Nexon EV",
		BatteryCapacityKWh: 30,
		EfficiencyKWhPerKm: 0.15,
		ImageURL:           "/img/" + vehicleID + ".png",
	}
}
