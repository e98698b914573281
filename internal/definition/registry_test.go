package definition

import (
	"testing"

	"github.com/medlar/approvals/model"
)

func TestBuiltinPassesValidation(t *testing.T) {
	errs := NewValidator().Validate(Builtin())
	for _, e := range errs {
		t.Errorf("builtin definition invalid: %s", e.Error())
	}
}

func TestRegistryKindLookup(t *testing.T) {
	r := NewRegistry(Builtin())

	for _, kind := range []string{
		model.KindContract,
		model.KindDeliberation,
		model.KindExtemporaneousNegotiation,
		model.KindSchedulingException,
		model.KindValueVerification,
	} {
		if _, ok := r.Kind(kind); !ok {
			t.Errorf("kind %q not registered", kind)
		}
	}

	if _, ok := r.Kind("purchase_order"); ok {
		t.Error("unexpected kind purchase_order registered")
	}
}

func TestLegalTransitionsUnknownKind(t *testing.T) {
	r := NewRegistry(Builtin())

	_, err := r.LegalTransitions("purchase_order", "draft")
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if model.CodeOf(err) != model.ErrUnknownKind {
		t.Errorf("error code = %q, want %q", model.CodeOf(err), model.ErrUnknownKind)
	}
}

func TestLegalTransitionsTerminalState(t *testing.T) {
	r := NewRegistry(Builtin())

	// Rejected deliberations accept nothing further.
	ts, err := r.LegalTransitions(model.KindDeliberation, model.StateRejected)
	if err != nil {
		t.Fatalf("LegalTransitions: %v", err)
	}
	if len(ts) != 0 {
		t.Errorf("expected no transitions from rejected, got %d", len(ts))
	}

	// Approved deliberations keep only the side mark_billed transition.
	ts, err = r.LegalTransitions(model.KindDeliberation, model.StateApproved)
	if err != nil {
		t.Fatalf("LegalTransitions: %v", err)
	}
	if len(ts) != 1 || ts[0].Action != "mark_billed" {
		t.Errorf("expected only mark_billed from approved, got %+v", ts)
	}
}

func TestContractChain(t *testing.T) {
	r := NewRegistry(Builtin())
	def, _ := r.Kind(model.KindContract)

	steps := []struct {
		from, action, to string
	}{
		{"draft", "submit", "pending_approval"},
		{"pending_approval", "begin_review", "legal_review"},
		{"legal_review", "approve", "commercial_review"},
		{"legal_review", "reject", "legal_review"},
		{"commercial_review", "approve", "pending_director_approval"},
		{"commercial_review", "reject", "legal_review"},
		{"pending_director_approval", "approve", "approved"},
		{"pending_director_approval", "reject", "commercial_review"},
	}

	for _, s := range steps {
		tr, ok := def.FindTransition(s.from, s.action)
		if !ok {
			t.Errorf("missing transition %s/%s", s.from, s.action)
			continue
		}
		if tr.To != s.to {
			t.Errorf("transition %s/%s lands in %q, want %q", s.from, s.action, tr.To, s.to)
		}
	}

	// No main-flow transition leaves an approved contract.
	if ts := def.TransitionsFrom(model.StateApproved); len(ts) != 0 {
		t.Errorf("expected no transitions from approved contract, got %+v", ts)
	}
}

func TestRegistryReplaceOverridesKind(t *testing.T) {
	r := NewRegistry(Builtin())
	before := r.Checksum()

	override := Builtin()
	for i := range override {
		if override[i].Kind == model.KindSchedulingException {
			override[i].Name = "Scheduling exception (override)"
		}
	}
	r.Replace(override)

	def, _ := r.Kind(model.KindSchedulingException)
	if def.Name != "Scheduling exception (override)" {
		t.Errorf("override not applied, name = %q", def.Name)
	}
	if r.Checksum() == before {
		t.Error("checksum unchanged after override")
	}
}
