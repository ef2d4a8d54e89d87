// Package postgres provides the relational store adapter: a pooled sqlx
// client, explicit transaction scopes, and transaction-scoped advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/voltgrid/ev-platform/internal/domain"
)

// Config holds the parameters needed to connect to Postgres.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	Timeout      time.Duration
}

// Client wraps a pooled sqlx database handle.
type Client struct {
	DB *sqlx.DB
}

// NewClient opens a connection pool against cfg.DSN and verifies
// connectivity within cfg.Timeout.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", errors.Join(err, domain.ErrStoreUnavailable))
	}

	return &Client{DB: db}, nil
}

// NewClientFromDB wraps an existing database handle. Used by tests with sqlmock.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{DB: sqlx.NewDb(db, "postgres")}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.DB.Close()
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Rollback errors are joined onto
// the returned error.
func (c *Client) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", errors.Join(err, domain.ErrStoreUnavailable))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", TranslateError(err))
	}
	return nil
}

// AdvisoryTryLock attempts to acquire a transaction-scoped advisory lock
// derived from key. Returns whether the lock was acquired. The lock is
// released automatically at COMMIT/ROLLBACK.
func AdvisoryTryLock(ctx context.Context, tx *sqlx.Tx, key string) (bool, error) {
	var acquired bool
	err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", AdvisoryLockKey(key)).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("advisory lock %q: %w", key, errors.Join(err, domain.ErrStoreUnavailable))
	}
	return acquired, nil
}

// AdvisoryLockKey hashes a string key into the signed 64-bit space
// pg_try_advisory_xact_lock expects. FNV-1a keeps the mapping stable
// across processes.
func AdvisoryLockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64()) //nolint:gosec // deliberate wraparound into signed space
}

// TranslateError maps driver-level errors onto domain sentinels:
// unique violations become ErrConflict, foreign-key violations become
// ErrInvalidReference, other integrity errors become ErrIntegrityViolation,
// and connection failures become ErrStoreUnavailable.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", pqErr.Constraint, domain.ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", pqErr.Constraint, domain.ErrInvalidReference)
		case "23502", "23514": // not_null, check_violation
			return fmt.Errorf("%s: %w", pqErr.Message, domain.ErrIntegrityViolation)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return errors.Join(err, domain.ErrStoreUnavailable)
		}
		return err
	}

	return err
}
