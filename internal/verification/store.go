package verification

import (
	"context"

	"github.com/medlar/approvals/model"
)

// RecordStore persists value verification records.
type RecordStore interface {
	// Create persists a new pending record.
	Create(ctx context.Context, rec model.ValueVerificationRecord) error

	// Get retrieves a record by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, recordID string) (model.ValueVerificationRecord, error)

	// Resolve persists the single pending -> resolved mutation. Returns
	// ALREADY_RESOLVED if the stored record has already left pending.
	Resolve(ctx context.Context, rec model.ValueVerificationRecord) error
}
