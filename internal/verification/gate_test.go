package verification

import (
	"context"
	"testing"
	"time"

	"github.com/medlar/approvals/model"
)

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

func testGate() *Gate {
	return NewGate(NewMemoryRecordStore(), fixedClock{
		t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	})
}

func requester() *model.ActorContext {
	return &model.ActorContext{SubjectID: "user-requester", Roles: []string{model.RoleCommercial}}
}

func verifier() *model.ActorContext {
	return &model.ActorContext{SubjectID: "user-verifier", Roles: []string{model.RoleDirector}}
}

func TestRequireVerificationCreatesPendingRecord(t *testing.T) {
	gate := testGate()

	rec, err := gate.RequireVerification(context.Background(), requester(), "deliberation-1", 1000, "monthly package")
	if err != nil {
		t.Fatalf("RequireVerification: %v", err)
	}

	if rec.Status != model.VerificationPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
	if rec.OriginalValue != 1000 {
		t.Errorf("OriginalValue = %v, want 1000", rec.OriginalValue)
	}
	if rec.RequesterID != "user-requester" {
		t.Errorf("RequesterID = %q", rec.RequesterID)
	}
	if rec.VerifiedValue != nil || rec.VerifierID != "" {
		t.Error("new record must not carry a verifier or verified value")
	}
}

func TestRequireVerificationRejectsNonPositiveValue(t *testing.T) {
	gate := testGate()

	_, err := gate.RequireVerification(context.Background(), requester(), "deliberation-1", 0, "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("error code = %q, want %q", model.CodeOf(err), model.ErrValidationError)
	}
}

func TestResolveSelfVerificationForbidden(t *testing.T) {
	gate := testGate()
	ctx := context.Background()
	req := requester()

	rec, err := gate.RequireVerification(ctx, req, "deliberation-1", 1000, "")
	if err != nil {
		t.Fatal(err)
	}

	// The ban applies to every decision value.
	for _, decision := range []string{DecisionApprove, DecisionReject} {
		_, err := gate.Resolve(ctx, rec.ID, req, decision, nil, "too high")
		if model.CodeOf(err) != model.ErrSelfVerificationNotAllowed {
			t.Errorf("Resolve(%s) by requester: code = %q, want %q",
				decision, model.CodeOf(err), model.ErrSelfVerificationNotAllowed)
		}
	}

	// Record must still be pending and resolvable by someone else.
	got, err := gate.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.VerificationPending {
		t.Errorf("Status after failed self-resolution = %q, want pending", got.Status)
	}
}

func TestResolveApproveDefaultsVerifiedValue(t *testing.T) {
	gate := testGate()
	ctx := context.Background()

	rec, err := gate.RequireVerification(ctx, requester(), "deliberation-1", 1000, "")
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := gate.Resolve(ctx, rec.ID, verifier(), DecisionApprove, nil, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if resolved.Status != model.VerificationVerified {
		t.Errorf("Status = %q, want verified", resolved.Status)
	}
	if resolved.VerifiedValue == nil || *resolved.VerifiedValue != 1000 {
		t.Errorf("VerifiedValue = %v, want 1000", resolved.VerifiedValue)
	}
	if resolved.VerifierID != "user-verifier" {
		t.Errorf("VerifierID = %q", resolved.VerifierID)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
}

func TestResolveApproveWithExplicitValue(t *testing.T) {
	gate := testGate()
	ctx := context.Background()

	rec, _ := gate.RequireVerification(ctx, requester(), "deliberation-1", 1000, "")

	adjusted := 950.0
	resolved, err := gate.Resolve(ctx, rec.ID, verifier(), DecisionApprove, &adjusted, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.VerifiedValue == nil || *resolved.VerifiedValue != 950 {
		t.Errorf("VerifiedValue = %v, want 950", resolved.VerifiedValue)
	}
}

func TestResolveRejectRequiresReason(t *testing.T) {
	gate := testGate()
	ctx := context.Background()

	rec, _ := gate.RequireVerification(ctx, requester(), "deliberation-1", 1000, "")

	_, err := gate.Resolve(ctx, rec.ID, verifier(), DecisionReject, nil, "")
	if model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("reject without reason: code = %q, want %q", model.CodeOf(err), model.ErrValidationError)
	}

	resolved, err := gate.Resolve(ctx, rec.ID, verifier(), DecisionReject, nil, "value exceeds the negotiated ceiling")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != model.VerificationRejected {
		t.Errorf("Status = %q, want rejected", resolved.Status)
	}
	if resolved.RejectReason == "" {
		t.Error("RejectReason not recorded")
	}
}

func TestResolveTwiceFailsAlreadyResolved(t *testing.T) {
	gate := testGate()
	ctx := context.Background()

	rec, _ := gate.RequireVerification(ctx, requester(), "deliberation-1", 1000, "")

	if _, err := gate.Resolve(ctx, rec.ID, verifier(), DecisionApprove, nil, ""); err != nil {
		t.Fatal(err)
	}

	_, err := gate.Resolve(ctx, rec.ID, verifier(), DecisionReject, nil, "changed my mind")
	if model.CodeOf(err) != model.ErrAlreadyResolved {
		t.Errorf("second Resolve: code = %q, want %q", model.CodeOf(err), model.ErrAlreadyResolved)
	}
}

func TestResolveUnknownDecision(t *testing.T) {
	gate := testGate()
	ctx := context.Background()

	rec, _ := gate.RequireVerification(ctx, requester(), "deliberation-1", 1000, "")

	_, err := gate.Resolve(ctx, rec.ID, verifier(), "maybe", nil, "")
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("unknown decision: code = %q, want %q", model.CodeOf(err), model.ErrBadRequest)
	}
}

func TestResolveUnknownRecord(t *testing.T) {
	gate := testGate()

	_, err := gate.Resolve(context.Background(), "missing", verifier(), DecisionApprove, nil, "")
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrNotFound)
	}
}
