// Package bloom maintains the probabilistic phone-existence filter and its
// snapshot in the KV store.
package bloom

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bloomfilter "github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voltgrid/ev-platform/internal/domain"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

const (
	snapshotKey = "phone:bloom:filter"
	metadataKey = "phone:bloom:meta"
	// writerLockKey serializes snapshot writers across processes. A single
	// populator holds it for the duration of a populate+save cycle.
	writerLockKey = "phone:bloom:lock"
	writerLockTTL = 5 * time.Minute
)

// Confidence values returned by Check.
const (
	ConfidenceDefinitelyNot = "definitely_not"
	ConfidenceMaybe         = "maybe"
)

var (
	falsePositivesTotal metric.Int64Counter
	checksTotal         metric.Int64Counter
)

func init() {
	m := otel.Meter("bloom")
	falsePositivesTotal, _ = m.Int64Counter("bloom_false_positives_total",
		metric.WithDescription("Bloom filter maybes later refuted by the database"))
	checksTotal, _ = m.Int64Counter("bloom_checks_total",
		metric.WithDescription("Bloom filter membership checks"))
}

// Metadata describes a persisted snapshot.
type Metadata struct {
	LastRefresh      time.Time `json:"lastRefresh"`
	ExpectedElements uint      `json:"expectedElements"`
	ErrorRate        float64   `json:"errorRate"`
}

// CheckResult is the outcome of a membership test.
type CheckResult struct {
	Exists     bool
	Confidence string
}

// Config sizes the filter.
type Config struct {
	ExpectedElements uint
	ErrorRate        float64
	RefreshInterval  time.Duration
}

// Filter is a bloom-filter membership structure with KV-persisted
// snapshots. A false "maybe" is possible; a false "definitely_not" is not,
// so negative answers can short-circuit database lookups.
//
// All in-process mutation goes through the mutex; snapshot writers
// additionally serialize across processes via writerLockKey.
type Filter struct {
	mu          sync.RWMutex
	bf          *bloomfilter.BloomFilter
	initialized bool
	lastRefresh time.Time

	cfg    Config
	kv     *redisclient.KV
	clock  domain.Clock
	logger *slog.Logger
}

// New creates an empty, uninitialized Filter. Callers load a snapshot or
// populate from the user store before serving; until then Check reports
// every phone as a maybe so lookups fall through to the database.
func New(cfg Config, kv *redisclient.KV, clock domain.Clock, logger *slog.Logger) *Filter {
	if cfg.ExpectedElements == 0 {
		cfg.ExpectedElements = domain.BloomExpectedPhones
	}
	if cfg.ErrorRate <= 0 {
		cfg.ErrorRate = domain.BloomErrorRate
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Duration(domain.BloomRefreshHours) * time.Hour
	}

	return &Filter{
		bf:     bloomfilter.NewWithEstimates(cfg.ExpectedElements, cfg.ErrorRate),
		cfg:    cfg,
		kv:     kv,
		clock:  clock,
		logger: logger,
	}
}

// Initialized reports whether the filter holds a usable member set.
func (f *Filter) Initialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialized
}

// Add inserts a phone into the in-memory filter.
func (f *Filter) Add(phone string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.Add([]byte(phone))
}

// AddBulk inserts many phones.
func (f *Filter) AddBulk(phones []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range phones {
		f.bf.Add([]byte(p))
	}
}

// Check tests membership. An uninitialized filter always answers maybe, so
// a cold start degrades to database lookups rather than false negatives.
func (f *Filter) Check(ctx context.Context, phone string) CheckResult {
	checksTotal.Add(ctx, 1)

	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.initialized {
		return CheckResult{Exists: true, Confidence: ConfidenceMaybe}
	}
	if f.bf.Test([]byte(phone)) {
		return CheckResult{Exists: true, Confidence: ConfidenceMaybe}
	}
	return CheckResult{Exists: false, Confidence: ConfidenceDefinitelyNot}
}

// RecordFalsePositive accounts a maybe that the database refuted.
func (f *Filter) RecordFalsePositive(ctx context.Context) {
	falsePositivesTotal.Add(ctx, 1)
}

// SaveSnapshot persists the filter and its metadata to the KV store as one
// opaque blob. Callers must hold the cross-process writer lock (see
// PopulateFrom) when saving from a shared populate path.
func (f *Filter) SaveSnapshot(ctx context.Context) error {
	f.mu.RLock()
	var buf bytes.Buffer
	_, err := f.bf.WriteTo(&buf)
	lastRefresh := f.lastRefresh
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("serialize bloom filter: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	if err := f.kv.SetEx(ctx, snapshotKey, encoded, 0); err != nil {
		return fmt.Errorf("save bloom snapshot: %w", err)
	}

	meta := Metadata{
		LastRefresh:      lastRefresh,
		ExpectedElements: f.cfg.ExpectedElements,
		ErrorRate:        f.cfg.ErrorRate,
	}
	if err := f.kv.SetJSON(ctx, metadataKey, meta, 0); err != nil {
		return fmt.Errorf("save bloom metadata: %w", err)
	}

	f.logger.InfoContext(ctx, "bloom snapshot saved",
		"bytes", buf.Len(), "last_refresh", lastRefresh)
	return nil
}

// LoadSnapshot restores the filter from the persisted snapshot. Missing
// snapshots leave the filter uninitialized. A stale snapshot (older than
// the refresh interval) is loaded with a warning.
func (f *Filter) LoadSnapshot(ctx context.Context) error {
	encoded, found, err := f.kv.Get(ctx, snapshotKey)
	if err != nil {
		return fmt.Errorf("load bloom snapshot: %w", err)
	}
	if !found {
		f.logger.WarnContext(ctx, "no bloom snapshot found, filter not initialized")
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode bloom snapshot: %w", err)
	}

	restored := &bloomfilter.BloomFilter{}
	if _, err := restored.ReadFrom(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("deserialize bloom filter: %w", err)
	}

	var meta Metadata
	if _, err := f.kv.GetJSON(ctx, metadataKey, &meta); err != nil {
		return fmt.Errorf("load bloom metadata: %w", err)
	}

	age := f.clock.Now().UTC().Sub(meta.LastRefresh)
	if !meta.LastRefresh.IsZero() && age > f.cfg.RefreshInterval {
		f.logger.WarnContext(ctx, "bloom snapshot is stale, serving anyway",
			"age", age.String(), "refresh_interval", f.cfg.RefreshInterval.String())
	}

	f.mu.Lock()
	f.bf = restored
	f.initialized = true
	f.lastRefresh = meta.LastRefresh
	f.mu.Unlock()

	f.logger.InfoContext(ctx, "bloom snapshot loaded", "last_refresh", meta.LastRefresh)
	return nil
}

// PhoneBatchFunc returns the next batch of canonical phones, or an empty
// batch when the iteration is exhausted.
type PhoneBatchFunc func(ctx context.Context) ([]string, error)

// PopulateFrom rebuilds the filter from an iterator over the user record
// set and saves a fresh snapshot. The cross-process writer lock guarantees
// a single populator; losing the lock race returns nil without writing.
func (f *Filter) PopulateFrom(ctx context.Context, next PhoneBatchFunc) error {
	won, err := f.kv.SetNX(ctx, writerLockKey, "1", writerLockTTL)
	if err != nil {
		return fmt.Errorf("acquire bloom writer lock: %w", err)
	}
	if !won {
		f.logger.InfoContext(ctx, "bloom populate already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if delErr := f.kv.Del(context.WithoutCancel(ctx), writerLockKey); delErr != nil {
			f.logger.WarnContext(ctx, "release bloom writer lock failed", "error", delErr)
		}
	}()

	fresh := bloomfilter.NewWithEstimates(f.cfg.ExpectedElements, f.cfg.ErrorRate)
	var total int
	for {
		batch, err := next(ctx)
		if err != nil {
			return fmt.Errorf("iterate phones: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, p := range batch {
			fresh.Add([]byte(p))
		}
		total += len(batch)
	}

	now := f.clock.Now().UTC()
	f.mu.Lock()
	f.bf = fresh
	f.initialized = true
	f.lastRefresh = now
	f.mu.Unlock()

	f.logger.InfoContext(ctx, "bloom filter populated", "phones", total)
	return f.SaveSnapshot(ctx)
}
