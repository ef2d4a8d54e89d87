package adapter

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	redisclient "github.com/voltgrid/ev-platform/internal/redis"
)

// Key patterns for sessions and token lifecycle.
const (
	sessionPrefix     = "session:"
	refreshPrefix     = "refresh:"
	userRefreshPrefix = "user:refresh:"
	revokedPrefix     = "revoked:user:"
)

// Compile-time check: SessionStore satisfies app.SessionStore.
var _ app.SessionStore = (*SessionStore)(nil)

// SessionStore keeps sessions, refresh records, the per-user refresh
// index, and user revocation markers in Redis. The index is a sorted set
// scored by issue time, so listing a user's live JTIs never needs a
// keyspace scan.
type SessionStore struct {
	kv    *redisclient.KV
	clock domain.Clock
}

// NewSessionStore creates a SessionStore over kv.
func NewSessionStore(kv *redisclient.KV, clock domain.Clock) *SessionStore {
	return &SessionStore{kv: kv, clock: clock}
}

// SaveSession writes the session record with the session TTL.
func (s *SessionStore) SaveSession(ctx context.Context, userID string, session app.Session, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.session.save")
	defer span.End()

	if err := s.kv.SetJSON(ctx, sessionPrefix+userID, session, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// GetSession loads the session record for userID.
func (s *SessionStore) GetSession(ctx context.Context, userID string) (app.Session, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.session.get")
	defer span.End()

	var session app.Session
	found, err := s.kv.GetJSON(ctx, sessionPrefix+userID, &session)
	if err != nil {
		span.RecordError(err)
		return app.Session{}, false, err
	}
	return session, found, nil
}

// SaveRefresh writes the refresh record keyed by JTI.
func (s *SessionStore) SaveRefresh(ctx context.Context, jti string, rec app.RefreshRecord, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.refresh.save")
	defer span.End()

	if err := s.kv.SetJSON(ctx, refreshPrefix+jti, rec, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// GetRefresh loads the refresh record for jti.
func (s *SessionStore) GetRefresh(ctx context.Context, jti string) (app.RefreshRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.refresh.get")
	defer span.End()

	var rec app.RefreshRecord
	found, err := s.kv.GetJSON(ctx, refreshPrefix+jti, &rec)
	if err != nil {
		span.RecordError(err)
		return app.RefreshRecord{}, false, err
	}
	return rec, found, nil
}

// DeleteRefresh removes the given refresh records.
func (s *SessionStore) DeleteRefresh(ctx context.Context, jtis ...string) error {
	ctx, span := tracer.Start(ctx, "redis.refresh.delete")
	defer span.End()

	keys := make([]string, len(jtis))
	for i, jti := range jtis {
		keys[i] = refreshPrefix + jti
	}
	return s.kv.Del(ctx, keys...)
}

// IndexUserRefresh adds jti to the user's refresh index.
func (s *SessionStore) IndexUserRefresh(ctx context.Context, userID, jti string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.refresh.index")
	defer span.End()

	key := userRefreshPrefix + userID
	if err := s.kv.ZAdd(ctx, key, float64(s.clock.Now().UnixMilli()), jti); err != nil {
		span.RecordError(err)
		return err
	}
	return s.kv.Expire(ctx, key, ttl)
}

// ListUserRefresh returns the user's indexed refresh JTIs.
func (s *SessionStore) ListUserRefresh(ctx context.Context, userID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "redis.refresh.list")
	defer span.End()

	return s.kv.ZRange(ctx, userRefreshPrefix+userID, 0, -1)
}

// SetRevocationMarker stamps the user's revocation marker with a
// seconds-precision timestamp.
func (s *SessionStore) SetRevocationMarker(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.revocation.set")
	defer span.End()

	value := strconv.FormatInt(at.Unix(), 10)
	if err := s.kv.SetEx(ctx, revokedPrefix+userID, value, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// GetRevocationMarker reads the user's revocation marker.
func (s *SessionStore) GetRevocationMarker(ctx context.Context, userID string) (time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.revocation.get")
	defer span.End()

	val, found, err := s.kv.Get(ctx, revokedPrefix+userID)
	if err != nil {
		span.RecordError(err)
		return time.Time{}, false, err
	}
	if !found {
		return time.Time{}, false, nil
	}
	seconds, parseErr := strconv.ParseInt(val, 10, 64)
	if parseErr != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(seconds, 0).UTC(), true, nil
}

// ClearRevocationMarker removes the user's revocation marker.
func (s *SessionStore) ClearRevocationMarker(ctx context.Context, userID string) error {
	return s.kv.Del(ctx, revokedPrefix+userID)
}
