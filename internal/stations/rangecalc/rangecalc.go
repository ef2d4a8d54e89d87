// Package rangecalc derives usable range, charging zones, urgency, and
// station recommendations from a vehicle's energy state.
package rangecalc

import (
	"math"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// Zone boundary fractions of the usable range.
const (
	safetyBufferFraction = 0.18
	optimalMinFraction   = 0.69
	optimalMaxFraction   = 0.88
	priorityMinFraction  = 0.75
	priorityMaxFraction  = 0.81

	// maxTravelFraction bounds how far out a charging stop is planned.
	maxTravelFraction = 0.8

	// recommendationWindowKm is the tolerance around the optimal charging
	// point; lowBatteryRelaxKm widens it for high-urgency batteries.
	recommendationWindowKm = 15.0
	lowBatteryRelaxKm      = 30.0
)

// VehicleSpec is the energy profile needed for range computation.
type VehicleSpec struct {
	BatteryCapacityKWh float64
	EfficiencyKWhPerKm float64
	EfficiencyFactor   float64
	ReserveKm          float64
}

// SpecFromVehicle extracts the energy profile, filling missing tuning
// fields with the fleet defaults.
func SpecFromVehicle(v *domain.Vehicle) VehicleSpec {
	spec := VehicleSpec{
		BatteryCapacityKWh: v.BatteryCapacityKWh,
		EfficiencyKWhPerKm: v.EfficiencyKWhPerKm,
		EfficiencyFactor:   v.EfficiencyFactor,
		ReserveKm:          v.ReserveKm,
	}
	if spec.EfficiencyFactor <= 0 {
		spec.EfficiencyFactor = domain.DefaultEfficiencyFactor
	}
	if spec.ReserveKm <= 0 {
		spec.ReserveKm = domain.DefaultReserveKm
	}
	return spec
}

// ZoneBoundaries are the charging-zone distances in km from the user.
type ZoneBoundaries struct {
	SafetyBufferKm float64 `json:"safetyBufferKm"`
	OptimalMinKm   float64 `json:"optimalMinKm"`
	OptimalMaxKm   float64 `json:"optimalMaxKm"`
	PriorityMinKm  float64 `json:"priorityMinKm"`
	PriorityMaxKm  float64 `json:"priorityMaxKm"`
}

// Strategy is the full charging strategy for one vehicle state.
type Strategy struct {
	BatteryPercentage      float64                `json:"batteryPercentage"`
	TheoreticalRangeKm     float64                `json:"theoreticalRangeKm"`
	UsableRangeKm          float64                `json:"usableRangeKm"`
	MaxTravelKm            float64                `json:"maxTravelKm"`
	OptimalChargingPointKm float64                `json:"optimalChargingPointKm"`
	Urgency                domain.ChargingUrgency `json:"urgency"`
	Zones                  ZoneBoundaries         `json:"zones"`
}

// Compute derives the charging strategy for the given battery percentage.
//
// The range arithmetic multiplies by EfficiencyKWhPerKm, matching the
// upstream fleet data where the column holds a km-per-percent multiplier
// despite its name. Results can go negative for small packs and are
// clamped at zero.
func Compute(spec VehicleSpec, batteryPercentage float64) Strategy {
	availableEnergy := (batteryPercentage / 100) * spec.BatteryCapacityKWh
	theoretical := availableEnergy * spec.EfficiencyKWhPerKm
	usable := theoretical*spec.EfficiencyFactor - spec.ReserveKm
	if usable < 0 {
		usable = 0
	}

	maxTravel := usable * maxTravelFraction

	return Strategy{
		BatteryPercentage:      batteryPercentage,
		TheoreticalRangeKm:     theoretical,
		UsableRangeKm:          usable,
		MaxTravelKm:            maxTravel,
		OptimalChargingPointKm: optimalChargingPoint(batteryPercentage, maxTravel),
		Urgency:                UrgencyFor(batteryPercentage),
		Zones: ZoneBoundaries{
			SafetyBufferKm: usable * safetyBufferFraction,
			OptimalMinKm:   usable * optimalMinFraction,
			OptimalMaxKm:   usable * optimalMaxFraction,
			PriorityMinKm:  usable * priorityMinFraction,
			PriorityMaxKm:  usable * priorityMaxFraction,
		},
	}
}

// UrgencyFor maps a battery percentage onto its urgency band.
func UrgencyFor(batteryPercentage float64) domain.ChargingUrgency {
	switch {
	case batteryPercentage <= 20:
		return domain.UrgencyCritical
	case batteryPercentage <= 35:
		return domain.UrgencyHigh
	case batteryPercentage <= 50:
		return domain.UrgencyMedium
	case batteryPercentage <= 70:
		return domain.UrgencyLow
	default:
		return domain.UrgencyNone
	}
}

// optimalChargingPoint picks the planned stop distance for the battery
// band: near-empty batteries charge at the first opportunity, fuller ones
// push the stop further along the usable range.
func optimalChargingPoint(batteryPercentage, maxTravelKm float64) float64 {
	switch {
	case batteryPercentage <= 20:
		return 5
	case batteryPercentage <= 35:
		return maxTravelKm * 0.3
	case batteryPercentage <= 50:
		return maxTravelKm * 0.5
	case batteryPercentage <= 70:
		return maxTravelKm * 0.7
	default:
		return maxTravelKm * 0.8
	}
}

// IsRecommended labels one station given its road distance from the user.
// The base rule accepts stations within the recommendation window of the
// optimal charging point; low batteries override it with distance caps.
func (s Strategy) IsRecommended(distanceFromUserKm float64) bool {
	nearOptimal := math.Abs(distanceFromUserKm-s.OptimalChargingPointKm) <= recommendationWindowKm
	switch {
	case s.BatteryPercentage <= 20:
		return distanceFromUserKm <= recommendationWindowKm
	case s.BatteryPercentage <= 35:
		return nearOptimal || distanceFromUserKm <= lowBatteryRelaxKm
	default:
		return nearOptimal
	}
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two coordinates.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
