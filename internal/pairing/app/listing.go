package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// Sort orders accepted by the listings.
const (
	SortLastSeenDesc    = "last_seen_desc"
	SortConnectedAtDesc = "connected_at_desc"
)

// Expansions accepted by the paired-device listing.
const (
	IncludeVehicle      = "vehicle"
	IncludeLatestStatus = "latest_status"
)

// ListInput selects a page of paired devices.
type ListInput struct {
	UserID     string
	ActiveOnly bool
	Include    []string
	Limit      int
	Cursor     string
	Sort       string
}

// DeviceItem is one paired device with its requested expansions.
type DeviceItem struct {
	domain.PairedDevice
	Vehicle      *domain.Vehicle `json:"vehicle,omitempty"`
	LatestStatus *VehicleStatus  `json:"latest_status,omitempty"`
}

// PageInfo describes the pagination state of a listing page.
type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"has_more"`
}

// DevicePage is one paired-device listing page.
type DevicePage struct {
	Data        []DeviceItem `json:"data"`
	PageInfo    PageInfo     `json:"page_info"`
	TotalActive int          `json:"total_active"`
	TotalAll    int          `json:"total_all"`
}

// ListPairedDevices returns one page of the user's paired devices with
// optional vehicle and latest-status expansions. Pages are cached for a
// short TTL under a per-user version, so pairing invalidates them in O(1).
func (s *Service) ListPairedDevices(ctx context.Context, in ListInput) (*DevicePage, error) {
	ctx, span := tracer.Start(ctx, "pairing.list_devices")
	defer span.End()

	if in.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	if err := validateListInput(&in); err != nil {
		return nil, err
	}
	after, err := DecodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}

	version, err := s.cache.Version(ctx, in.UserID)
	if err != nil {
		s.logger.WarnContext(ctx, "listing version read failed", "user_id", in.UserID, "error", err)
	}
	cacheKey := fmt.Sprintf("paired:list:%s:%d:%t:%s:%d:%s:%s",
		in.UserID, version, in.ActiveOnly, strings.Join(in.Include, "+"), in.Limit, in.Cursor, in.Sort)

	var cached DevicePage
	if hit, cacheErr := s.cache.GetPage(ctx, cacheKey, &cached); cacheErr == nil && hit {
		listCacheHitsTotal.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return &cached, nil
	}

	devices, err := s.devices.ListPairedDevices(ctx, DeviceQuery{
		UserID:     in.UserID,
		ActiveOnly: in.ActiveOnly,
		Limit:      in.Limit + 1,
		Sort:       in.Sort,
		After:      after,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	page := &DevicePage{PageInfo: PageInfo{Limit: in.Limit}}
	if len(devices) > in.Limit {
		devices = devices[:in.Limit]
		page.PageInfo.HasMore = true
		last := devices[len(devices)-1]
		page.PageInfo.NextCursor = Cursor{LastSeen: sortStamp(last, in.Sort), ID: last.ID}.Encode()
	}

	page.Data = make([]DeviceItem, len(devices))
	for i, d := range devices {
		page.Data[i] = DeviceItem{PairedDevice: d}
	}
	if err := s.expand(ctx, page.Data, in.Include); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
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
		s.logger.WarnContext(ctx, "listing page cache write failed", "user_id", in.UserID, "error", cacheErr)
	}
	return page, nil
}

// expand attaches the requested expansions in place.
func (s *Service) expand(ctx context.Context, items []DeviceItem, include []string) error {
	if len(items) == 0 {
		return nil
	}

	vehicleIDs := make([]string, len(items))
	for i, it := range items {
		vehicleIDs[i] = it.VehicleID
	}

	for _, inc := range include {
		switch inc {
		case IncludeVehicle:
			vehicles, err := s.devices.GetVehiclesByIDs(ctx, vehicleIDs)
			if err != nil {
				return err
			}
			for i := range items {
				if v, ok := vehicles[items[i].VehicleID]; ok {
					copied := v
					items[i].Vehicle = &copied
				}
			}
		case IncludeLatestStatus:
			statuses, err := s.statuses.BatchLatestStatus(ctx, vehicleIDs)
			if err != nil {
				return err
			}
			for i := range items {
				if st, ok := statuses[items[i].VehicleID]; ok {
					copied := st
					items[i].LatestStatus = &copied
				}
			}
		}
	}
	return nil
}

// counts serves the per-user counters from the cache, recounting from the
// database on a miss.
func (s *Service) counts(ctx context.Context, userID string) (Counts, error) {
	if c, ok, err := s.cache.GetCounts(ctx, userID); err == nil && ok {
		return c, nil
	}

	active, err := s.devices.CountDevices(ctx, userID, true)
	if err != nil {
		return Counts{}, err
	}
	all, err := s.devices.CountDevices(ctx, userID, false)
	if err != nil {
		return Counts{}, err
	}

	c := Counts{Active: active, All: all}
	if err := s.cache.SetCounts(ctx, userID, c); err != nil {
		s.logger.WarnContext(ctx, "counter cache write failed", "user_id", userID, "error", err)
	}
	return c, nil
}

func validateListInput(in *ListInput) error {
	if in.Limit <= 0 {
		in.Limit = domain.DefaultListLimit
	}
	if in.Limit > domain.MaxListLimit {
		in.Limit = domain.MaxListLimit
	}
	if in.Sort == "" {
		in.Sort = SortLastSeenDesc
	}
	if in.Sort != SortLastSeenDesc && in.Sort != SortConnectedAtDesc {
		return fmt.Errorf("unknown sort %q: %w", in.Sort, domain.ErrValidation)
	}
	for _, inc := range in.Include {
		if inc != IncludeVehicle && inc != IncludeLatestStatus {
			return fmt.Errorf("unknown include %q: %w", inc, domain.ErrValidation)
		}
	}
	sort.Strings(in.Include)
	return nil
}

// sortStamp picks the cursor timestamp matching the sort order.
func sortStamp(d domain.PairedDevice, sortOrder string) time.Time {
	if sortOrder == SortConnectedAtDesc {
		return d.ConnectedAt
	}
	return d.LastSeen
}
