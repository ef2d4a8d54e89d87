package domain

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a JSON object column. It round-trips through the relational
// store as a jsonb value and preserves unknown fields for forward
// compatibility with audit payloads.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(b, m)
}

// User is a registered account. Created by the registration subsystem;
// the OTP core only flips IsVerified and stamps LastLoginAt.
type User struct {
	ID          string       `db:"id" json:"id"`
	Phone       string       `db:"phone" json:"phone"`
	CountryCode string       `db:"country_code" json:"country_code"`
	IsVerified  bool         `db:"is_verified" json:"is_verified"`
	IsActive    bool         `db:"is_active" json:"is_active"`
	Metadata    JSONMap      `db:"metadata" json:"metadata,omitempty"`
	LastLoginAt sql.NullTime `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// Vehicle is a registered EV. RegNumber and ChassisNumber each uniquely
// identify a vehicle; when both are present they must resolve to the same row.
type Vehicle struct {
	ID                 string         `db:"id" json:"id"`
	RegNumber          string         `db:"reg_number" json:"reg_number"`
	ChassisNumber      string         `db:"chassis_number" json:"chassis_number"`
	UserID             sql.NullString `db:"user_id" json:"user_id,omitempty"`
	Make               string         `db:"make" json:"make"`
	Model              string         `db:"model" json:"model"`
	Year               int            `db:"year" json:"year"`
	BatteryCapacityKWh float64        `db:"battery_capacity_kwh" json:"battery_capacity_kwh"`
	EfficiencyKWhPerKm float64        `db:"efficiency_kwh_per_km" json:"efficiency_kwh_per_km"`
	EfficiencyFactor   float64        `db:"efficiency_factor" json:"efficiency_factor"`
	ReserveKm          float64        `db:"reserve_km" json:"reserve_km"`
	ImageURL           string         `db:"image_url" json:"image_url,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// PairedDevice links a user's bluetooth device to a vehicle. At most one
// active row exists per (user_id, chassis_number); re-pairing updates it.
type PairedDevice struct {
	ID             string         `db:"id" json:"id"`
	UserID         string         `db:"user_id" json:"user_id"`
	VehicleID      string         `db:"vehicle_id" json:"vehicle_id"`
	ChassisNumber  string         `db:"chassis_number" json:"chassis_number"`
	RegNumber      string         `db:"reg_number" json:"reg_number"`
	BluetoothMAC   sql.NullString `db:"bluetooth_mac" json:"bluetooth_mac,omitempty"`
	IsActive       bool           `db:"is_active" json:"is_active"`
	ConnectedAt    time.Time      `db:"connected_at" json:"connected_at"`
	LastSeen       time.Time      `db:"last_seen" json:"last_seen"`
	IdempotencyKey sql.NullString `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Plug describes a single charging connector at a station.
type Plug struct {
	Type      string  `json:"type"`
	Power     float64 `json:"power"`
	Available bool    `json:"available"`
}

// Station is a charging station. Latitude is bounded to [-90,90] and
// longitude to [-180,180].
type Station struct {
	ID                 string   `db:"id" json:"id"`
	Latitude           float64  `db:"latitude" json:"latitude"`
	Longitude          float64  `db:"longitude" json:"longitude"`
	Name               string   `db:"name" json:"name"`
	PowerKW            float64  `db:"power_kw" json:"power_kw"`
	Plugs              []Plug   `db:"-" json:"plugs"`
	AvailabilityStatus string   `db:"availability_status" json:"availability_status"`
	OperatorName       string   `db:"operator_name" json:"operator_name"`
	Address            string   `db:"address" json:"address"`
	City               string   `db:"city" json:"city"`
	State              string   `db:"state" json:"state"`
	PricingInfo        JSONMap  `db:"-" json:"pricing_info,omitempty"`
	Amenities          []string `db:"-" json:"amenities,omitempty"`
}

// ValidCoordinates reports whether the station's coordinates are in range.
func (s Station) ValidCoordinates() bool {
	return s.Latitude >= -90 && s.Latitude <= 90 &&
		s.Longitude >= -180 && s.Longitude <= 180
}
