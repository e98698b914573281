package verification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlar/approvals/internal/postgres"
	"github.com/medlar/approvals/model"
)

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5. All reads
// and writes go through the querier attached to the context when one is
// present, so a resolve triggered inside a workflow transaction commits or
// rolls back with that transaction.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a new PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// Create inserts a new pending record.
func (s *PgRecordStore) Create(ctx context.Context, rec model.ValueVerificationRecord) error {
	_, err := postgres.QuerierFrom(ctx, s.pool).Exec(ctx, `
		INSERT INTO value_verifications (
			id, entity_ref, original_value, verified_value, requester_id,
			verifier_id, status, notes, reject_reason, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.EntityRef, rec.OriginalValue, rec.VerifiedValue, rec.RequesterID,
		nullable(rec.VerifierID), rec.Status, rec.Notes, rec.RejectReason,
		rec.CreatedAt, rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert verification record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *PgRecordStore) Get(ctx context.Context, recordID string) (model.ValueVerificationRecord, error) {
	var rec model.ValueVerificationRecord
	var verifierID *string

	err := postgres.QuerierFrom(ctx, s.pool).QueryRow(ctx, `
		SELECT id, entity_ref, original_value, verified_value, requester_id,
		       verifier_id, status, notes, reject_reason, created_at, resolved_at
		FROM value_verifications
		WHERE id = $1`,
		recordID,
	).Scan(
		&rec.ID, &rec.EntityRef, &rec.OriginalValue, &rec.VerifiedValue, &rec.RequesterID,
		&verifierID, &rec.Status, &rec.Notes, &rec.RejectReason,
		&rec.CreatedAt, &rec.ResolvedAt,
	)
	if err == pgx.ErrNoRows {
		return model.ValueVerificationRecord{}, model.NewNotFoundError(
			fmt.Sprintf("verification record %q not found", recordID),
		)
	}
	if err != nil {
		return model.ValueVerificationRecord{}, fmt.Errorf("query verification record: %w", err)
	}

	if verifierID != nil {
		rec.VerifierID = *verifierID
	}
	return rec, nil
}

// Resolve persists the pending -> resolved mutation. The status guard in the
// WHERE clause makes two racing resolutions settle to exactly one winner.
func (s *PgRecordStore) Resolve(ctx context.Context, rec model.ValueVerificationRecord) error {
	tag, err := postgres.QuerierFrom(ctx, s.pool).Exec(ctx, `
		UPDATE value_verifications SET
			verified_value = $1,
			verifier_id = $2,
			status = $3,
			reject_reason = $4,
			resolved_at = $5
		WHERE id = $6 AND status = $7`,
		rec.VerifiedValue, rec.VerifierID, rec.Status, rec.RejectReason, rec.ResolvedAt,
		rec.ID, model.VerificationPending,
	)
	if err != nil {
		return fmt.Errorf("update verification record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record vanished or it already left pending; report
		// the latter, the common racing case.
		if _, getErr := s.Get(ctx, rec.ID); getErr != nil {
			return getErr
		}
		return model.NewAlreadyResolvedError(rec.ID)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HealthCheck pings the database for readiness probes.
func (s *PgRecordStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
