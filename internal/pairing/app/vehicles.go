package app

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// VehiclesInput selects a page of the user's vehicles.
type VehiclesInput struct {
	UserID            string
	ActiveOnly        bool
	Limit             int
	Cursor            string
	Sort              string
	SelectedVehicleID string
}

// VehicleRangeInfo is the capacity-derived status block of a vehicle item.
type VehicleRangeInfo struct {
	BatteryCapacityKWh float64 `json:"battery_capacity_kwh"`
	RangeKm            float64 `json:"range_km"`
}

// VehicleItem is the vehicles-listing projection of one paired vehicle.
type VehicleItem struct {
	VehicleID   string           `json:"vehicle_id"`
	RegNumber   string           `json:"reg_number"`
	DisplayName string           `json:"display_name"`
	ImageURL    string           `json:"image_url,omitempty"`
	IsActive    bool             `json:"is_active"`
	Status      VehicleRangeInfo `json:"status"`
}

// VehiclePage is one vehicles listing page.
type VehiclePage struct {
	Data        []VehicleItem `json:"data"`
	PageInfo    PageInfo      `json:"page_info"`
	TotalActive int           `json:"total_active"`
	TotalAll    int           `json:"total_all"`
}

// ListVehicles returns one page of the user's paired vehicles in the
// compact projection. A selected vehicle outside the natural page window
// is fetched separately and prepended.
func (s *Service) ListVehicles(ctx context.Context, in VehiclesInput) (*VehiclePage, error) {
	ctx, span := tracer.Start(ctx, "pairing.list_vehicles")
	defer span.End()

	if in.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	list := ListInput{
		UserID:     in.UserID,
		ActiveOnly: in.ActiveOnly,
		Limit:      in.Limit,
		Cursor:     in.Cursor,
		Sort:       in.Sort,
	}
	if err := validateListInput(&list); err != nil {
		return nil, err
	}
	after, err := DecodeCursor(list.Cursor)
	if err != nil {
		return nil, err
	}

	version, err := s.cache.VehiclesVersion(ctx, in.UserID)
	if err != nil {
		s.logger.WarnContext(ctx, "vehicles version read failed", "user_id", in.UserID, "error", err)
	}
	cacheKey := fmt.Sprintf("vehicles:list:%s:%d:%t:%d:%s:%s:%s",
		in.UserID, version, list.ActiveOnly, list.Limit, list.Cursor, list.Sort, in.SelectedVehicleID)

	var cached VehiclePage
	if hit, cacheErr := s.cache.GetPage(ctx, cacheKey, &cached); cacheErr == nil && hit {
		listCacheHitsTotal.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return &cached, nil
	}

	devices, err := s.devices.ListPairedDevices(ctx, DeviceQuery{
		UserID:     list.UserID,
		ActiveOnly: list.ActiveOnly,
		Limit:      list.Limit + 1,
		Sort:       list.Sort,
		After:      after,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	page := &VehiclePage{PageInfo: PageInfo{Limit: list.Limit}}
	if len(devices) > list.Limit {
		devices = devices[:list.Limit]
		page.PageInfo.HasMore = true
		last := devices[len(devices)-1]
		page.PageInfo.NextCursor = Cursor{LastSeen: sortStamp(last, list.Sort), ID: last.ID}.Encode()
	}

	vehicleIDs := make([]string, len(devices))
	for i, d := range devices {
		vehicleIDs[i] = d.VehicleID
	}
	vehicles, err := s.devices.GetVehiclesByIDs(ctx, vehicleIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	page.Data = make([]VehicleItem, 0, len(devices)+1)
	for _, d := range devices {
		v, ok := vehicles[d.VehicleID]
		if !ok {
			continue
		}
		page.Data = append(page.Data, s.vehicleItem(d, v))
	}

	if in.SelectedVehicleID != "" {
		page.Data, err = s.prependSelected(ctx, in.UserID, in.SelectedVehicleID, page.Data)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	counts, err := s.counts(ctx, in.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	page.TotalActive = counts.Active
	page.TotalAll = counts.All

	if cacheErr := s.cache.SetPage(ctx, cacheKey, page, s.pageTTL); cacheErr != nil {
		s.logger.WarnContext(ctx, "vehicles page cache write failed", "user_id", in.UserID, "error", cacheErr)
	}
	return page, nil
}

// prependSelected moves the selected vehicle to the head of the page,
// fetching it separately when it is outside the natural window.
func (s *Service) prependSelected(ctx context.Context, userID, vehicleID string, items []VehicleItem) ([]VehicleItem, error) {
	for i, it := range items {
		if it.VehicleID == vehicleID {
			if i == 0 {
				return items, nil
			}
			selected := items[i]
			rest := append(items[:i:i], items[i+1:]...)
			return append([]VehicleItem{selected}, rest...), nil
		}
	}

	device, vehicle, err := s.devices.GetPairedVehicle(ctx, userID, vehicleID)
	if err != nil {
		return nil, err
	}
	if device == nil || vehicle == nil {
		// Not paired to this user; nothing to prepend.
		return items, nil
	}
	return append([]VehicleItem{s.vehicleItem(*device, *vehicle)}, items...), nil
}

func (s *Service) vehicleItem(d domain.PairedDevice, v domain.Vehicle) VehicleItem {
	rangeKm := 0.0
	if v.EfficiencyKWhPerKm > 0 {
		rangeKm = v.BatteryCapacityKWh / v.EfficiencyKWhPerKm
	}
	return VehicleItem{
		VehicleID:   v.ID,
		RegNumber:   v.RegNumber,
		DisplayName: strings.TrimSpace(v.Make + " " + v.Model),
		ImageURL:    s.resolveImageURL(v.ImageURL),
		IsActive:    d.IsActive,
		Status: VehicleRangeInfo{
			BatteryCapacityKWh: v.BatteryCapacityKWh,
			RangeKm:            rangeKm,
		},
	}
}

// resolveImageURL makes relative image paths absolute against the asset
// base URL.
func (s *Service) resolveImageURL(raw string) string {
	if raw == "" || s.assetBaseURL == "" {
		return raw
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return strings.TrimSuffix(s.assetBaseURL, "/") + "/" + strings.TrimPrefix(raw, "/")
}
