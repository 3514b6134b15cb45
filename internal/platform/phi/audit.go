package phi

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// AccessRecord captures one decrypted delivery of protected fields to a
// subscriber. Written best-effort: audit failures are logged, never allowed
// to block or fail delivery.
type AccessRecord struct {
	UserID     string
	TenantID   string
	PatientID  string
	EntityKind string
	EntityID   string
	Fields     []string
	AccessedAt time.Time
}

// AccessAuditor records PHI access.
type AccessAuditor interface {
	RecordAccess(ctx context.Context, rec AccessRecord)
}

// LogAuditor writes access records to the structured log only. Used in
// development and as the inner auditor for PGAuditor.
type LogAuditor struct {
	logger zerolog.Logger
}

func NewLogAuditor(logger zerolog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger}
}

func (a *LogAuditor) RecordAccess(_ context.Context, rec AccessRecord) {
	a.logger.Info().
		Str("user_id", rec.UserID).
		Str("tenant_id", rec.TenantID).
		Str("patient_id", rec.PatientID).
		Str("entity", rec.EntityKind+"/"+rec.EntityID).
		Str("fields", strings.Join(rec.Fields, ",")).
		Time("accessed_at", rec.AccessedAt).
		Msg("phi access")
}

// PGAuditor persists access records to the phi_access_log table and mirrors
// them to the structured log.
type PGAuditor struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGAuditor(pool *pgxpool.Pool, logger zerolog.Logger) *PGAuditor {
	return &PGAuditor{pool: pool, logger: logger}
}

func (a *PGAuditor) RecordAccess(ctx context.Context, rec AccessRecord) {
	if rec.AccessedAt.IsZero() {
		rec.AccessedAt = time.Now().UTC()
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO phi_access_log (user_id, tenant_id, patient_id, entity_kind, entity_id, fields, accessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UserID, rec.TenantID, rec.PatientID, rec.EntityKind, rec.EntityID, rec.Fields, rec.AccessedAt)
	if err != nil {
		a.logger.Error().Err(err).
			Str("user_id", rec.UserID).
			Str("entity", rec.EntityKind+"/"+rec.EntityID).
			Msg("failed to persist phi access record")
	}
	NewLogAuditor(a.logger).RecordAccess(ctx, rec)
}
