package verification

import (
	"context"
	"fmt"
	"sync"

	"github.com/medlar/approvals/model"
)

// MemoryRecordStore is an in-memory RecordStore for testing and
// single-instance deployments.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]model.ValueVerificationRecord
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]model.ValueVerificationRecord),
	}
}

// Create persists a new pending record.
func (s *MemoryRecordStore) Create(_ context.Context, rec model.ValueVerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("verification record %q already exists", rec.ID),
		)
	}
	s.records[rec.ID] = rec
	return nil
}

// Get retrieves a record by ID.
func (s *MemoryRecordStore) Get(_ context.Context, recordID string) (model.ValueVerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[recordID]
	if !exists {
		return model.ValueVerificationRecord{}, model.NewNotFoundError(
			fmt.Sprintf("verification record %q not found", recordID),
		)
	}
	return rec, nil
}

// Resolve persists the pending -> resolved mutation. The check against the
// stored status makes two racing resolutions settle to exactly one winner.
func (s *MemoryRecordStore) Resolve(_ context.Context, rec model.ValueVerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.records[rec.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("verification record %q not found", rec.ID),
		)
	}
	if stored.Status != model.VerificationPending {
		return model.NewAlreadyResolvedError(rec.ID)
	}

	s.records[rec.ID] = rec
	return nil
}
