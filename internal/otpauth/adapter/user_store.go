package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	"github.com/voltgrid/ev-platform/internal/postgres"
)

// Compile-time check: UserStore satisfies app.UserStore.
var _ app.UserStore = (*UserStore)(nil)

// UserStore reads and mutates user rows in Postgres.
type UserStore struct {
	db *postgres.Client
}

// NewUserStore creates a UserStore over db.
func NewUserStore(db *postgres.Client) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, phone, country_code, is_verified, is_active, metadata, last_login_at, created_at, updated_at`

// GetByID loads a user by primary key.
func (s *UserStore) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "postgres.users.get_by_id")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	var user domain.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if err := s.db.DB.GetContext(ctx, &user, query, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if translated := postgres.TranslateError(err); domain.IsNotFound(translated) {
			return nil, fmt.Errorf("user %s: %w", userID, domain.ErrUserNotFound)
		}
		return nil, fmt.Errorf("get user %s: %w", userID, postgres.TranslateError(err))
	}
	return &user, nil
}

// FindByPhone loads a user by canonical phone number.
func (s *UserStore) FindByPhone(ctx context.Context, phone string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "postgres.users.find_by_phone")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"))

	var user domain.User
	query := `SELECT ` + userColumns + ` FROM users WHERE phone = $1 AND is_active = true`
	if err := s.db.DB.GetContext(ctx, &user, query, phone); err != nil {
		translated := postgres.TranslateError(err)
		if domain.IsNotFound(translated) {
			return nil, fmt.Errorf("phone lookup: %w", domain.ErrUserNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("find user by phone: %w", translated)
	}
	return &user, nil
}

// MarkVerified flips the verified flag and stamps the last login.
func (s *UserStore) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "postgres.users.mark_verified")
	defer span.End()

	query := `UPDATE users SET is_verified = true, last_login_at = $2, updated_at = $2 WHERE id = $1`
	res, err := s.db.DB.ExecContext(ctx, query, userID, at)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark user %s verified: %w", userID, postgres.TranslateError(err))
	}
	if n, rowsErr := res.RowsAffected(); rowsErr == nil && n == 0 {
		return fmt.Errorf("mark verified: %w", domain.ErrUserNotFound)
	}
	return nil
}

// PhoneBatches returns an iterator over all active phone numbers in id
// order, for rebuilding the existence filter.
func (s *UserStore) PhoneBatches(batchSize int) func(ctx context.Context) ([]string, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	lastID := ""
	return func(ctx context.Context) ([]string, error) {
		type row struct {
			ID    string `db:"id"`
			Phone string `db:"phone"`
		}
		var rows []row
		query := `SELECT id, phone FROM users WHERE is_active = true AND id > $1 ORDER BY id LIMIT $2`
		if err := s.db.DB.SelectContext(ctx, &rows, query, lastID, batchSize); err != nil {
			return nil, fmt.Errorf("list phones after %q: %w", lastID, postgres.TranslateError(err))
		}
		if len(rows) == 0 {
			return nil, nil
		}
		lastID = rows[len(rows)-1].ID
		phones := make([]string, len(rows))
		for i, r := range rows {
			phones[i] = r.Phone
		}
		return phones, nil
	}
}
