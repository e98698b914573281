// Package verification implements the double verification gate: an
// independent second-actor confirmation of a monetary figure that other
// workflows consult before allowing their terminal approval.
package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medlar/approvals/model"
)

// Resolution decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Gate creates and resolves value verification records. Records are
// immutable once they leave the pending status, and the requester can never
// be the verifier.
type Gate struct {
	store RecordStore
	clock Clock
}

// NewGate creates a verification gate.
func NewGate(store RecordStore, clock Clock) *Gate {
	if clock == nil {
		clock = systemClock{}
	}
	return &Gate{store: store, clock: clock}
}

// RequireVerification creates a pending record for the given monetary value.
// The verifier is unknown at this point; the self-verification ban is
// enforced at resolution.
func (g *Gate) RequireVerification(
	ctx context.Context,
	requester *model.ActorContext,
	entityRef string,
	originalValue float64,
	notes string,
) (model.ValueVerificationRecord, error) {
	if originalValue <= 0 {
		return model.ValueVerificationRecord{}, model.NewValidationError([]model.FieldError{{
			Field: "original_value", Code: "INVALID",
			Message: "original_value must be positive",
		}})
	}

	rec := model.ValueVerificationRecord{
		ID:            uuid.New().String(),
		EntityRef:     entityRef,
		OriginalValue: originalValue,
		RequesterID:   requester.SubjectID,
		Status:        model.VerificationPending,
		Notes:         notes,
		CreatedAt:     g.clock.Now(),
	}

	if err := g.store.Create(ctx, rec); err != nil {
		return model.ValueVerificationRecord{}, err
	}
	return rec, nil
}

// Get retrieves a record by ID.
func (g *Gate) Get(ctx context.Context, recordID string) (model.ValueVerificationRecord, error) {
	return g.store.Get(ctx, recordID)
}

// Resolve settles a pending record. It fails ALREADY_RESOLVED once the
// record has left pending, and SELF_VERIFICATION_NOT_ALLOWED whenever the
// verifier is the requester, regardless of the decision. Approval defaults
// the verified value to the original; rejection requires a non-empty reason.
func (g *Gate) Resolve(
	ctx context.Context,
	recordID string,
	verifier *model.ActorContext,
	decision string,
	verifiedValue *float64,
	reason string,
) (model.ValueVerificationRecord, error) {
	rec, err := g.store.Get(ctx, recordID)
	if err != nil {
		return model.ValueVerificationRecord{}, err
	}

	if rec.Status != model.VerificationPending {
		return model.ValueVerificationRecord{}, model.NewAlreadyResolvedError(recordID)
	}
	if verifier.SubjectID == rec.RequesterID {
		return model.ValueVerificationRecord{}, model.NewSelfVerificationError()
	}

	now := g.clock.Now()
	rec.VerifierID = verifier.SubjectID
	rec.ResolvedAt = &now

	switch decision {
	case DecisionApprove:
		value := rec.OriginalValue
		if verifiedValue != nil {
			value = *verifiedValue
		}
		rec.Status = model.VerificationVerified
		rec.VerifiedValue = &value
	case DecisionReject:
		if reason == "" {
			return model.ValueVerificationRecord{}, model.NewValidationError([]model.FieldError{{
				Field: "reason", Code: "REQUIRED",
				Message: "a rejection reason is required",
			}})
		}
		rec.Status = model.VerificationRejected
		rec.RejectReason = reason
	default:
		return model.ValueVerificationRecord{}, model.NewBadRequestError(
			fmt.Sprintf("unknown verification decision %q", decision),
		)
	}

	// Resolve is the record's single mutation; the store refuses updates
	// to records that already left pending.
	if err := g.store.Resolve(ctx, rec); err != nil {
		return model.ValueVerificationRecord{}, err
	}
	return rec, nil
}
