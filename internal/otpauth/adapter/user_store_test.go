package adapter_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/adapter"
	"github.com/voltgrid/ev-platform/internal/postgres"
)

func newMockUserStore(t *testing.T) (*adapter.UserStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return adapter.NewUserStore(postgres.NewClientFromDB(db)), mock
}

func userRows(id, phone string) *sqlmock.Rows {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "phone", "country_code", "is_verified", "is_active",
		"metadata", "last_login_at", "created_at", "updated_at",
	}).AddRow(id, phone, "IN", true, true, []byte(`{}`), now, now, now)
}

func TestUserStore_GetByID(t *testing.T) {
	ctx := context.Background()

	t.Run("loads the user row", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectQuery("SELECT (.+) FROM users WHERE id =").
			WithArgs("user-1").
			WillReturnRows(userRows("user-1", "+919876543210"))

		user, err := store.GetByID(ctx, "user-1")

		require.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)
		assert.Equal(t, "+919876543210", user.Phone)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row maps to user not found", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectQuery("SELECT (.+) FROM users WHERE id =").
			WithArgs("user-1").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetByID(ctx, "user-1")

		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestUserStore_FindByPhone(t *testing.T) {
	ctx := context.Background()

	t.Run("only matches active users", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectQuery(`SELECT (.+) FROM users WHERE phone = \$1 AND is_active = true`).
			WithArgs("+919876543210").
			WillReturnRows(userRows("user-1", "+919876543210"))

		user, err := store.FindByPhone(ctx, "+919876543210")

		require.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown phone maps to user not found", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectQuery("SELECT (.+) FROM users WHERE phone =").
			WithArgs("+919999999999").
			WillReturnError(sql.ErrNoRows)

		_, err := store.FindByPhone(ctx, "+919999999999")

		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestUserStore_MarkVerified(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("updates verified flag and login stamp", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectExec("UPDATE users SET is_verified = true").
			WithArgs("user-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.MarkVerified(ctx, "user-1", at))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero rows maps to user not found", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectExec("UPDATE users SET is_verified = true").
			WithArgs("user-1", at).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.MarkVerified(ctx, "user-1", at)

		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestUserStore_PhoneBatches(t *testing.T) {
	ctx := context.Background()

	t.Run("pages by id until exhausted", func(t *testing.T) {
		store, mock := newMockUserStore(t)
		mock.ExpectQuery("SELECT id, phone FROM users WHERE is_active = true AND id >").
			WithArgs("", 2).
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone"}).
				AddRow("a", "+911111111111").
				AddRow("b", "+912222222222"))
		mock.ExpectQuery("SELECT id, phone FROM users WHERE is_active = true AND id >").
			WithArgs("b", 2).
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone"}).
				AddRow("c", "+913333333333"))
		mock.ExpectQuery("SELECT id, phone FROM users WHERE is_active = true AND id >").
			WithArgs("c", 2).
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone"}))

		next := store.PhoneBatches(2)

		batch, err := next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"+911111111111", "+912222222222"}, batch)

		batch, err = next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"+913333333333"}, batch)

		batch, err = next(ctx)
		require.NoError(t, err)
		assert.Nil(t, batch)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
