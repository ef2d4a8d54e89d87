// Package app orchestrates vehicle pairing and the paired-device and
// vehicle listings.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voltgrid/ev-platform/internal/domain"
)

var tracer = otel.Tracer("pairing/app")

var (
	pairingsTotal       metric.Int64Counter
	pairingReplaysTotal metric.Int64Counter
	listCacheHitsTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("pairing/app")

	pairingsTotal, _ = m.Int64Counter("pairing_pairings_total",
		metric.WithDescription("Total successful pairings"))
	pairingReplaysTotal, _ = m.Int64Counter("pairing_idempotent_replays_total",
		metric.WithDescription("Total pairings answered from an idempotency-key replay"))
	listCacheHitsTotal, _ = m.Int64Counter("pairing_list_cache_hits_total",
		metric.WithDescription("Total listings served from the versioned cache"))
}

// VehicleStatic carries the optional static vehicle attributes a pairing
// request may supply for a vehicle we have not seen before.
type VehicleStatic struct {
	Make               string  `json:"make"`
	Model              string  `json:"model"`
	Year               int     `json:"year"`
	BatteryCapacityKWh float64 `json:"battery_capacity_kwh"`
	EfficiencyKWhPerKm float64 `json:"efficiency_kwh_per_km"`
	ImageURL           string  `json:"image_url"`
}

// PairCommand is the transactional pairing request handed to the registry.
type PairCommand struct {
	UserID         string
	ChassisNumber  string
	RegNumber      string
	BluetoothMAC   string
	VehicleStatic  *VehicleStatic
	IdempotencyKey string
}

// PairOutcome is the committed result of one pairing transaction.
type PairOutcome struct {
	Device      domain.PairedDevice
	Vehicle     domain.Vehicle
	ActiveCount int
	AllCount    int
	Replayed    bool
}

// Registry serializes pairing transactions per chassis number.
type Registry interface {
	PairDevice(ctx context.Context, cmd PairCommand) (*PairOutcome, error)
}

// DeviceQuery selects a page of paired devices.
type DeviceQuery struct {
	UserID     string
	ActiveOnly bool
	Limit      int
	Sort       string
	After      *Cursor
}

// DeviceLister reads paired-device and vehicle rows for the listings.
type DeviceLister interface {
	ListPairedDevices(ctx context.Context, q DeviceQuery) ([]domain.PairedDevice, error)
	GetVehiclesByIDs(ctx context.Context, ids []string) (map[string]domain.Vehicle, error)
	CountDevices(ctx context.Context, userID string, activeOnly bool) (int, error)
	// GetPairedVehicle resolves one paired vehicle for the selected-vehicle
	// prepend; it returns nil when the user has no pairing for it.
	GetPairedVehicle(ctx context.Context, userID, vehicleID string) (*domain.PairedDevice, *domain.Vehicle, error)
}

// VehicleStatus is the latest reported state of one vehicle.
type VehicleStatus struct {
	VehicleID         string    `db:"vehicle_id" json:"vehicle_id"`
	BatteryPercentage float64   `db:"battery_percentage" json:"battery_percentage"`
	OdometerKm        float64   `db:"odometer_km" json:"odometer_km"`
	Charging          bool      `db:"charging" json:"charging"`
	RecordedAt        time.Time `db:"recorded_at" json:"recorded_at"`
}

// StatusSource batch-reads latest vehicle statuses. Vehicles with no
// status are absent from the result.
type StatusSource interface {
	BatchLatestStatus(ctx context.Context, vehicleIDs []string) (map[string]VehicleStatus, error)
}

// Counts is the cached pair of per-user device counters.
type Counts struct {
	Active int
	All    int
}

// ListCache is the versioned listing cache: an O(1)-invalidated page
// cache plus the per-user counters.
type ListCache interface {
	Version(ctx context.Context, userID string) (int64, error)
	VehiclesVersion(ctx context.Context, userID string) (int64, error)
	// BumpVersion advances both listing versions in O(1).
	BumpVersion(ctx context.Context, userID string) error

	GetPage(ctx context.Context, key string, dest any) (bool, error)
	SetPage(ctx context.Context, key string, value any, ttl time.Duration) error

	GetCounts(ctx context.Context, userID string) (Counts, bool, error)
	SetCounts(ctx context.Context, userID string, c Counts) error
}

// ServiceConfig holds the dependencies for Service.
type ServiceConfig struct {
	Registry Registry
	Devices  DeviceLister
	Statuses StatusSource
	Cache    ListCache
	Clock    domain.Clock
	Logger   *slog.Logger

	// AssetBaseURL resolves relative vehicle image paths to absolute URLs.
	AssetBaseURL string
	PageTTL      time.Duration
}

// Service orchestrates pairing and listings.
type Service struct {
	registry Registry
	devices  DeviceLister
	statuses StatusSource
	cache    ListCache
	clock    domain.Clock
	logger   *slog.Logger

	assetBaseURL string
	pageTTL      time.Duration
}

// NewService creates a Service, filling zero-valued tunables with the
// domain defaults.
func NewService(cfg ServiceConfig) *Service {
	if cfg.PageTTL <= 0 {
		cfg.PageTTL = domain.ListCacheTTL
	}

	return &Service{
		registry:     cfg.Registry,
		devices:      cfg.Devices,
		statuses:     cfg.Statuses,
		cache:        cfg.Cache,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		assetBaseURL: cfg.AssetBaseURL,
		pageTTL:      cfg.PageTTL,
	}
}
