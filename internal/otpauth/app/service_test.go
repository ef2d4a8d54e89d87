package app_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/auth"
	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/domain/domaintest"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	"github.com/voltgrid/ev-platform/internal/ratelimit"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
	"github.com/voltgrid/ev-platform/internal/sms"
)

var testHMACSecret = []byte("test-otp-hmac-secret")

// fakePhones is an in-memory PhoneDirectory.
type fakePhones struct {
	mu    sync.Mutex
	users map[string]*domain.User
	err   error
}

func (f *fakePhones) CheckPhoneExists(ctx context.Context, phone string) (app.PhoneCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return app.PhoneCheck{}, f.err
	}
	u, ok := f.users[phone]
	return app.PhoneCheck{Exists: ok, User: u, Source: "fake"}, nil
}

func (f *fakePhones) AddPhone(ctx context.Context, phone string, user *domain.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[phone] = user
}

// fakeUsers is an in-memory UserStore.
type fakeUsers struct {
	mu       sync.Mutex
	byID     map[string]*domain.User
	verified map[string]time.Time
}

func (f *fakeUsers) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[userID]; ok {
		return u, nil
	}
	return nil, domain.ErrUserNotFound
}

func (f *fakeUsers) FindByPhone(ctx context.Context, phone string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Phone == phone {
			return u, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (f *fakeUsers) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[userID]; !ok {
		return domain.ErrUserNotFound
	}
	f.verified[userID] = at
	return nil
}

func (f *fakeUsers) verifiedAt(userID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.verified[userID]
	return at, ok
}

// fakeOTPs is an in-memory OTPStore.
type fakeOTPs struct {
	mu      sync.Mutex
	records map[string]app.OtpRecord
	locks   map[string]int
}

func (f *fakeOTPs) Save(ctx context.Context, phone string, rec app.OtpRecord, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[phone] = rec
	return nil
}

func (f *fakeOTPs) Get(ctx context.Context, phone string) (app.OtpRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[phone]
	return rec, ok, nil
}

func (f *fakeOTPs) Delete(ctx context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, phone)
	return nil
}

func (f *fakeOTPs) IncrementAttempts(ctx context.Context, phone string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[phone]
	rec.Attempts++
	f.records[phone] = rec
	return rec.Attempts, nil
}

func (f *fakeOTPs) Lock(ctx context.Context, phone string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[phone] = int(ttl.Seconds())
	return nil
}

func (f *fakeOTPs) IsLocked(ctx context.Context, phone string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	retryAfter, ok := f.locks[phone]
	return ok, retryAfter, nil
}

func (f *fakeOTPs) Unlock(ctx context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, phone)
	return nil
}

func (f *fakeOTPs) record(phone string) (app.OtpRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[phone]
	return rec, ok
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu        sync.Mutex
	sessions  map[string]app.Session
	refreshes map[string]app.RefreshRecord
	index     map[string][]string
	markers   map[string]time.Time
	markerErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:  map[string]app.Session{},
		refreshes: map[string]app.RefreshRecord{},
		index:     map[string][]string{},
		markers:   map[string]time.Time{},
	}
}

func (f *fakeSessions) SaveSession(ctx context.Context, userID string, s app.Session, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[userID] = s
	return nil
}

func (f *fakeSessions) GetSession(ctx context.Context, userID string) (app.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[userID]
	return s, ok, nil
}

func (f *fakeSessions) SaveRefresh(ctx context.Context, jti string, rec app.RefreshRecord, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes[jti] = rec
	return nil
}

func (f *fakeSessions) GetRefresh(ctx context.Context, jti string) (app.RefreshRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.refreshes[jti]
	return rec, ok, nil
}

func (f *fakeSessions) DeleteRefresh(ctx context.Context, jtis ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, jti := range jtis {
		delete(f.refreshes, jti)
	}
	return nil
}

func (f *fakeSessions) IndexUserRefresh(ctx context.Context, userID, jti string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[userID] = append(f.index[userID], jti)
	return nil
}

func (f *fakeSessions) ListUserRefresh(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.index[userID]...), nil
}

func (f *fakeSessions) SetRevocationMarker(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[userID] = at
	return nil
}

func (f *fakeSessions) GetRevocationMarker(ctx context.Context, userID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markerErr != nil {
		return time.Time{}, false, f.markerErr
	}
	at, ok := f.markers[userID]
	return at, ok, nil
}

func (f *fakeSessions) ClearRevocationMarker(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, userID)
	return nil
}

func (f *fakeSessions) marker(userID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.markers[userID]
	return at, ok
}

func (f *fakeSessions) liveRefreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshes)
}

// fakeAudit records audit entries in order.
type fakeAudit struct {
	mu      sync.Mutex
	entries []app.AuditEntry
}

func (f *fakeAudit) Record(ctx context.Context, entry app.AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeAudit) events() []domain.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]domain.AuditEvent, len(f.entries))
	for i, e := range f.entries {
		events[i] = e.EventType
	}
	return events
}

func (f *fakeAudit) last() (app.AuditEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return app.AuditEntry{}, false
	}
	return f.entries[len(f.entries)-1], true
}

// fakeQueue records enqueued SMS jobs.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []sms.Job
	err  error
}

func (f *fakeQueue) Enqueue(ctx context.Context, job sms.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	job.ID = "job-1"
	f.jobs = append(f.jobs, job)
	return job.ID, nil
}

func (f *fakeQueue) enqueued() []sms.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sms.Job(nil), f.jobs...)
}

// fixture wires a Service against in-memory fakes and a miniredis-backed
// rate limiter.
type fixture struct {
	svc      *app.Service
	phones   *fakePhones
	users    *fakeUsers
	otps     *fakeOTPs
	sessions *fakeSessions
	audit    *fakeAudit
	queue    *fakeQueue
	clock    *domaintest.FakeClock
	mr       *miniredis.Miniredis

	minter    *auth.Minter
	validator *auth.Validator
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

	clock := domaintest.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keyStore, err := auth.GenerateEphemeralKeyStore()
	require.NoError(t, err)
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:   keyStore,
		AccessTTL:  domain.AccessTokenLifetime,
		RefreshTTL: domain.RefreshTokenLifetime,
		Issuer:     "ev-platform",
		Audience:   "ev-api",
		Clock:      clock,
	})
	validator := auth.NewValidator(auth.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   "ev-platform",
		Audience: "ev-api",
		Clock:    clock,
	})

	f := &fixture{
		phones:    &fakePhones{users: map[string]*domain.User{}},
		users:     &fakeUsers{byID: map[string]*domain.User{}, verified: map[string]time.Time{}},
		otps:      &fakeOTPs{records: map[string]app.OtpRecord{}, locks: map[string]int{}},
		sessions:  newFakeSessions(),
		audit:     &fakeAudit{},
		queue:     &fakeQueue{},
		clock:     clock,
		mr:        mr,
		minter:    minter,
		validator: validator,
	}

	f.svc = app.NewService(app.ServiceConfig{
		Phones:     f.phones,
		Users:      f.users,
		OTPs:       f.otps,
		Sessions:   f.sessions,
		Audit:      f.audit,
		Limiter:    ratelimit.NewLimiter(redisclient.NewKV(client.RDB), logger),
		Queue:      f.queue,
		Minter:     minter,
		Validator:  validator,
		HMACSecret: testHMACSecret,
		Clock:      clock,
		Logger:     logger,
	})
	return f
}

// registerUser seeds a registered, active user and returns it.
func (f *fixture) registerUser(id, phone string) *domain.User {
	user := &domain.User{ID: id, Phone: phone, CountryCode: "IN", IsActive: true}
	f.users.mu.Lock()
	f.users.byID[id] = user
	f.users.mu.Unlock()
	f.phones.mu.Lock()
	f.phones.users[phone] = user
	f.phones.mu.Unlock()
	return user
}
