package adapter

import (
	"context"
	"log/slog"

	"github.com/voltgrid/ev-platform/internal/domain"
	"github.com/voltgrid/ev-platform/internal/otpauth/app"
	"github.com/voltgrid/ev-platform/internal/postgres"
	"github.com/voltgrid/ev-platform/internal/sms"
)

// Compile-time checks: AuditStore serves both the auth flows and the SMS
// worker's terminal-failure path.
var _ app.AuditStore = (*AuditStore)(nil)
var _ sms.AuditRecorder = (*AuditStore)(nil)

// AuditStore appends rows to the append-only otp_audit table. Writes are
// best-effort: a failed audit insert is logged and never propagated, so an
// audit outage cannot take down the auth path.
type AuditStore struct {
	db     *postgres.Client
	clock  domain.Clock
	logger *slog.Logger
}

// NewAuditStore creates an AuditStore over db.
func NewAuditStore(db *postgres.Client, clock domain.Clock, logger *slog.Logger) *AuditStore {
	return &AuditStore{db: db, clock: clock, logger: logger}
}

// Record appends one audit row.
func (s *AuditStore) Record(ctx context.Context, entry app.AuditEntry) {
	ctx, span := tracer.Start(ctx, "postgres.audit.record")
	defer span.End()

	query := `
		INSERT INTO otp_audit (phone, event_type, provider, provider_response, ip, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.DB.ExecContext(ctx, query,
		entry.Phone,
		string(entry.EventType),
		nullable(entry.Provider),
		entry.ProviderResponse,
		nullable(entry.IP),
		nullable(entry.UserAgent),
		entry.Metadata,
		s.clock.Now().UTC(),
	)
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "audit insert failed",
			"event_type", entry.EventType, "error", err)
	}
}

// RecordSendFailure writes the sent_failed audit row for a terminally
// failed SMS job.
func (s *AuditStore) RecordSendFailure(ctx context.Context, job sms.Job, workerID string, cause error) {
	s.Record(ctx, app.AuditEntry{
		Phone:     job.Phone,
		EventType: domain.AuditSentFailed,
		IP:        job.IP,
		Metadata: domain.JSONMap{
			"requestId": job.RequestID,
			"jobId":     job.ID,
			"attempts":  job.Attempt,
			"workerId":  workerID,
			"error":     cause.Error(),
		},
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
