package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/medlar/approvals/internal/capability"
	"github.com/medlar/approvals/internal/definition"
	"github.com/medlar/approvals/internal/scheduling"
	"github.com/medlar/approvals/internal/verification"
	"github.com/medlar/approvals/model"
)

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

// stubScopes resolves every actor to a fixed scope.
type stubScopes struct {
	scope capability.Scope
}

func (s stubScopes) Resolve(*model.ActorContext) (capability.Scope, error) {
	return s.scope, nil
}

type engineFixture struct {
	engine        *Engine
	store         *MemoryWorkflowStore
	gate          *verification.Gate
	book          *scheduling.MemoryBook
	solicitations *scheduling.MemorySolicitations
	directory     *scheduling.MemoryDirectory
	clock         fixedClock
}

func newEngineFixture(t *testing.T, scope capability.Scope, opts Options) *engineFixture {
	t.Helper()

	clock := fixedClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	gate := verification.NewGate(verification.NewMemoryRecordStore(), clock)

	directory := scheduling.NewMemoryDirectory()
	book := scheduling.NewMemoryBook()
	solicitations := scheduling.NewMemorySolicitations()
	scheduler := scheduling.NewService(directory, book, solicitations, clock, nil)

	store := NewMemoryWorkflowStore()
	engine := NewEngine(
		definition.NewRegistry(definition.Builtin()),
		store,
		gate,
		NewHookSet(gate, scheduler),
		stubScopes{scope: scope},
		clock,
		nil,
		opts,
	)

	return &engineFixture{
		engine:        engine,
		store:         store,
		gate:          gate,
		book:          book,
		solicitations: solicitations,
		directory:     directory,
		clock:         clock,
	}
}

func actor(subjectID string, roles ...string) *model.ActorContext {
	return &model.ActorContext{SubjectID: subjectID, EntityID: "entity-1", Roles: roles}
}

func (f *engineFixture) mustCreate(t *testing.T, a *model.ActorContext, kind string, payload map[string]any) model.WorkflowInstance {
	t.Helper()
	inst, err := f.engine.CreateInstance(context.Background(), a, kind, payload)
	if err != nil {
		t.Fatalf("CreateInstance(%s): %v", kind, err)
	}
	return inst
}

func (f *engineFixture) mustExecute(t *testing.T, a *model.ActorContext, instanceID, action string, params map[string]any) model.WorkflowInstance {
	t.Helper()
	inst, _, err := f.engine.Execute(context.Background(), a, instanceID, action, params, "")
	if err != nil {
		t.Fatalf("Execute(%s on %s): %v", action, instanceID, err)
	}
	return inst
}

func TestCreateInstanceUnknownKind(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})

	_, err := f.engine.CreateInstance(context.Background(), actor("u1", model.RoleAdmin), "vacation_request", nil)
	if model.CodeOf(err) != model.ErrUnknownKind {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrUnknownKind)
	}
}

func TestCreateInstanceRequiresCreatorRole(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})

	_, err := f.engine.CreateInstance(context.Background(), actor("u1", model.RoleOperator), model.KindContract, nil)
	if model.CodeOf(err) != model.ErrForbidden {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrForbidden)
	}
}

func TestCreateInstanceInitialStateAndRequester(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})

	inst := f.mustCreate(t, actor("u1", model.RoleCommercial), model.KindContract, map[string]any{
		"title": "Hospital X renewal",
	})

	if inst.State != "draft" {
		t.Errorf("State = %q, want draft", inst.State)
	}
	if inst.Version != 1 {
		t.Errorf("Version = %d, want 1", inst.Version)
	}
	if got := inst.PayloadString(model.PayloadRequesterID); got != "u1" {
		t.Errorf("requester_id = %q, want u1", got)
	}
	if inst.CreatedBy != "u1" {
		t.Errorf("CreatedBy = %q, want u1", inst.CreatedBy)
	}
}

func TestDeliberationCreationComputesMoneyFields(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})

	inst := f.mustCreate(t, actor("u1", model.RoleNetworkManager), model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  1000.0,
		model.PayloadMedlarPercentage: 10.0,
	})

	if amount, _ := inst.PayloadFloat(model.PayloadMedlarAmount); amount != 100 {
		t.Errorf("medlar_amount = %v, want 100", amount)
	}
	if total, _ := inst.PayloadFloat(model.PayloadTotalValue); total != 1100 {
		t.Errorf("total_value = %v, want 1100", total)
	}
}

func TestDeliberationCreationRequiresMoneyFields(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})

	_, err := f.engine.CreateInstance(context.Background(), actor("u1", model.RoleNetworkManager),
		model.KindDeliberation, map[string]any{model.PayloadNegotiatedValue: 1000.0})
	if model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrValidationError)
	}
}

func TestContractFullApprovalChain(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	creator := actor("u-commercial", model.RoleCommercial)

	inst := f.mustCreate(t, creator, model.KindContract, nil)
	inst = f.mustExecute(t, creator, inst.ID, "submit", nil)
	inst = f.mustExecute(t, actor("u-legal", model.RoleLegal), inst.ID, "begin_review", nil)
	inst = f.mustExecute(t, actor("u-legal", model.RoleLegal), inst.ID, "approve", nil)
	inst = f.mustExecute(t, creator, inst.ID, "approve", nil)
	inst = f.mustExecute(t, actor("u-director", model.RoleDirector), inst.ID, "approve", nil)

	if inst.State != model.StateApproved {
		t.Fatalf("final state = %q, want approved", inst.State)
	}

	// The journal replays to the final state.
	detail, err := f.engine.GetInstance(context.Background(), actor("admin", model.RoleAdmin), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Trail) != 5 {
		t.Fatalf("trail has %d entries, want 5", len(detail.Trail))
	}
	state := "draft"
	for _, entry := range detail.Trail {
		if entry.FromState != state {
			t.Fatalf("journal broken: entry %q from %q, replay at %q", entry.Action, entry.FromState, state)
		}
		state = entry.ToState
	}
	if state != detail.Instance.State {
		t.Errorf("replayed state %q != stored state %q", state, detail.Instance.State)
	}
}

func TestContractLegalRejectStaysInLegalReview(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	creator := actor("u-commercial", model.RoleCommercial)
	legal := actor("u-legal", model.RoleLegal)

	inst := f.mustCreate(t, creator, model.KindContract, nil)
	f.mustExecute(t, creator, inst.ID, "submit", nil)
	f.mustExecute(t, legal, inst.ID, "begin_review", nil)

	got := f.mustExecute(t, legal, inst.ID, "reject", nil)
	if got.State != "legal_review" {
		t.Errorf("state after legal reject = %q, want legal_review", got.State)
	}

	// The rejection is still journaled even though the state is unchanged.
	detail, _ := f.engine.GetInstance(context.Background(), actor("admin", model.RoleAdmin), inst.ID)
	last := detail.Trail[len(detail.Trail)-1]
	if last.Action != "reject" || last.FromState != "legal_review" || last.ToState != "legal_review" {
		t.Errorf("last journal entry = %+v, want legal_review reject self-loop", last)
	}
}

func TestExecuteIllegalActionFailsInvalidState(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	creator := actor("u1", model.RoleCommercial)

	inst := f.mustCreate(t, creator, model.KindContract, nil)

	_, _, err := f.engine.Execute(context.Background(), creator, inst.ID, "approve", nil, "")
	if model.CodeOf(err) != model.ErrInvalidState {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrInvalidState)
	}
}

func TestExecuteWrongRoleFailsForbidden(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	creator := actor("u1", model.RoleCommercial)

	inst := f.mustCreate(t, creator, model.KindContract, nil)
	f.mustExecute(t, creator, inst.ID, "submit", nil)

	// begin_review needs the legal role; the creator holds commercial only.
	_, _, err := f.engine.Execute(context.Background(), creator, inst.ID, "begin_review", nil, "")
	if model.CodeOf(err) != model.ErrForbidden {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrForbidden)
	}
}

func TestTerminalStateRefusesMainFlowActions(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u1", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  500.0,
		model.PayloadMedlarPercentage: 5.0,
	})
	f.mustExecute(t, manager, inst.ID, "reject", nil)

	for _, action := range []string{"approve", "reject", "cancel"} {
		_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, action, nil, "")
		if model.CodeOf(err) != model.ErrInvalidState {
			t.Errorf("action %q from rejected: code = %q, want %q", action, model.CodeOf(err), model.ErrInvalidState)
		}
	}
}

func TestOperatorPreconditionGatesDeliberationApproval(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)
	operator := actor("u-operator", model.RoleOperator)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:          500.0,
		model.PayloadMedlarPercentage:         5.0,
		model.PayloadRequiresOperatorApproval: true,
	})

	// Blocked while the operator has not decided.
	_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, "approve", nil, "")
	if model.CodeOf(err) != model.ErrPreconditionNotMet {
		t.Fatalf("approve before operator decision: code = %q, want %q",
			model.CodeOf(err), model.ErrPreconditionNotMet)
	}

	// The operator sub-approval is a state-preserving side transition.
	got := f.mustExecute(t, operator, inst.ID, "operator_approve", nil)
	if got.State != model.StatePendingApproval {
		t.Fatalf("state after operator_approve = %q, want pending_approval", got.State)
	}
	if approved := got.PayloadBool(model.PayloadOperatorApproved); approved == nil || !*approved {
		t.Fatal("operator_approved flag not set")
	}

	got = f.mustExecute(t, manager, inst.ID, "approve", nil)
	if got.State != model.StateApproved {
		t.Errorf("final state = %q, want approved", got.State)
	}
}

func TestOperatorRejectBlocksApproval(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)
	operator := actor("u-operator", model.RoleOperator)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:          500.0,
		model.PayloadMedlarPercentage:         5.0,
		model.PayloadRequiresOperatorApproval: true,
	})
	f.mustExecute(t, operator, inst.ID, "operator_reject", nil)

	_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, "approve", nil, "")
	if model.CodeOf(err) != model.ErrPreconditionNotMet {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrPreconditionNotMet)
	}

	// Rejection of the deliberation itself stays available.
	got := f.mustExecute(t, manager, inst.ID, "reject", nil)
	if got.State != model.StateRejected {
		t.Errorf("state = %q, want rejected", got.State)
	}
}

func TestValueGateBlocksUntilVerified(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:    2000.0,
		model.PayloadMedlarPercentage:   10.0,
		"requires_value_verification":   true,
	})
	recordID := inst.PayloadString(model.PayloadVerificationID)
	if recordID == "" {
		t.Fatal("gate record not attached at creation")
	}

	_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, "approve", nil, "")
	if model.CodeOf(err) != model.ErrAwaitingVerification {
		t.Fatalf("approve with pending gate: code = %q, want %q",
			model.CodeOf(err), model.ErrAwaitingVerification)
	}

	verifier := actor("u-verifier", model.RoleDirector)
	if _, err := f.gate.Resolve(context.Background(), recordID, verifier, verification.DecisionApprove, nil, ""); err != nil {
		t.Fatal(err)
	}

	got := f.mustExecute(t, manager, inst.ID, "approve", nil)
	if got.State != model.StateApproved {
		t.Errorf("state = %q, want approved", got.State)
	}
}

func TestValueGateRejectionBlocksPermanently(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:    2000.0,
		model.PayloadMedlarPercentage:   10.0,
		"requires_value_verification":   true,
	})
	recordID := inst.PayloadString(model.PayloadVerificationID)

	verifier := actor("u-verifier", model.RoleDirector)
	if _, err := f.gate.Resolve(context.Background(), recordID, verifier, verification.DecisionReject, nil, "too high"); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, "approve", nil, "")
	if model.CodeOf(err) != model.ErrPreconditionNotMet {
		t.Errorf("approve with rejected gate: code = %q, want %q",
			model.CodeOf(err), model.ErrPreconditionNotMet)
	}
}

func TestMoneyFieldsImmutableAfterCreation(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  1000.0,
		model.PayloadMedlarPercentage: 10.0,
	})

	got := f.mustExecute(t, manager, inst.ID, "approve", map[string]any{
		model.PayloadNegotiatedValue: 1.0,
		model.PayloadMedlarAmount:    0.0,
		model.PayloadTotalValue:      1.0,
		"comment":                    "approved with conditions",
	})

	if v, _ := got.PayloadFloat(model.PayloadNegotiatedValue); v != 1000 {
		t.Errorf("negotiated_value = %v, want unchanged 1000", v)
	}
	if v, _ := got.PayloadFloat(model.PayloadMedlarAmount); v != 100 {
		t.Errorf("medlar_amount = %v, want unchanged 100", v)
	}
	if v, _ := got.PayloadFloat(model.PayloadTotalValue); v != 1100 {
		t.Errorf("total_value = %v, want unchanged 1100", v)
	}
	if got.Payload["comment"] != "approved with conditions" {
		t.Error("non-frozen params must still merge")
	}
}

func TestMarkBilledThenCancelImpossible(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)
	admin := actor("u-admin", model.RoleAdmin)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  500.0,
		model.PayloadMedlarPercentage: 5.0,
	})
	f.mustExecute(t, manager, inst.ID, "approve", nil)

	// mark_billed is a side transition legal from the terminal approved state.
	got := f.mustExecute(t, admin, inst.ID, "mark_billed", nil)
	if got.State != model.StateBilled {
		t.Fatalf("state = %q, want billed", got.State)
	}
	if billed := got.PayloadBool(model.PayloadBilled); billed == nil || !*billed {
		t.Fatal("billed flag not set")
	}

	_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, "cancel", nil, "")
	if model.CodeOf(err) != model.ErrInvalidState {
		t.Errorf("cancel after billing: code = %q, want %q", model.CodeOf(err), model.ErrInvalidState)
	}
}

func TestAddendumMarkingIdempotentOnce(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	commercial := actor("u-commercial", model.RoleCommercial)

	inst := f.mustCreate(t, commercial, model.KindExtemporaneousNegotiation, map[string]any{
		model.PayloadRequiresAddendum: true,
	})
	f.mustExecute(t, commercial, inst.ID, "approve", nil)

	got := f.mustExecute(t, commercial, inst.ID, "mark_addendum_included", nil)
	if got.State != model.StateApproved {
		t.Fatalf("state = %q, want approved", got.State)
	}
	if included := got.PayloadBool(model.PayloadAddendumIncluded); included == nil || !*included {
		t.Fatal("addendum_included flag not set")
	}

	_, _, err := f.engine.Execute(context.Background(), commercial, inst.ID, "mark_addendum_included", nil, "")
	if model.CodeOf(err) != model.ErrPreconditionNotMet {
		t.Errorf("second marking: code = %q, want %q", model.CodeOf(err), model.ErrPreconditionNotMet)
	}
}

func TestConcurrentApprovalExactlyOneWinner(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  500.0,
		model.PayloadMedlarPercentage: 5.0,
	})

	// First actor wins the race.
	f.mustExecute(t, manager, inst.ID, "approve", nil)

	// The second actor replays the same action against what is now a
	// terminal state; after the conflict-driven re-read it fails
	// INVALID_STATE, not CONFLICT.
	_, _, err := f.engine.Execute(context.Background(), manager, inst.ID, "reject", nil, "")
	if model.CodeOf(err) != model.ErrInvalidState {
		t.Errorf("racing loser: code = %q, want %q", model.CodeOf(err), model.ErrInvalidState)
	}

	detail, _ := f.engine.GetInstance(context.Background(), actor("admin", model.RoleAdmin), inst.ID)
	if len(detail.Trail) != 1 {
		t.Errorf("journal has %d entries, want exactly 1", len(detail.Trail))
	}
}

// conflictInjectingStore fails the first N ApplyTransition calls with a
// version conflict, simulating concurrent writers landing between the
// engine's read and its apply.
type conflictInjectingStore struct {
	WorkflowStore
	remaining int
}

func (s *conflictInjectingStore) ApplyTransition(
	ctx context.Context,
	inst model.WorkflowInstance,
	entry model.Transition,
	effects EffectFunc,
) error {
	if s.remaining > 0 {
		s.remaining--
		return model.NewConflictError("injected version conflict")
	}
	return s.WorkflowStore.ApplyTransition(ctx, inst, entry, effects)
}

func (f *engineFixture) engineWithStore(store WorkflowStore, opts Options) *Engine {
	scheduler := scheduling.NewService(f.directory, f.book, f.solicitations, f.clock, nil)
	return NewEngine(
		definition.NewRegistry(definition.Builtin()),
		store,
		f.gate,
		NewHookSet(f.gate, scheduler),
		stubScopes{scope: capability.ScopeAll},
		f.clock,
		nil,
		opts,
	)
}

func TestExecuteRetriesThroughRepeatedConflicts(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  500.0,
		model.PayloadMedlarPercentage: 5.0,
	})

	// Two consecutive losses still land within the retry budget.
	store := &conflictInjectingStore{WorkflowStore: f.store, remaining: 2}
	engine := f.engineWithStore(store, Options{})

	got, _, err := engine.Execute(context.Background(), manager, inst.ID, "approve", nil, "")
	if err != nil {
		t.Fatalf("Execute after repeated conflicts: %v", err)
	}
	if got.State != model.StateApproved {
		t.Fatalf("state = %q, want approved", got.State)
	}

	trail, _ := f.store.GetTransitions(context.Background(), inst.ID)
	if len(trail) != 1 {
		t.Errorf("journal has %d entries, want exactly 1", len(trail))
	}
}

func TestExecuteSurfacesConflictPastRetryBudget(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)

	inst := f.mustCreate(t, manager, model.KindDeliberation, map[string]any{
		model.PayloadNegotiatedValue:  500.0,
		model.PayloadMedlarPercentage: 5.0,
	})

	store := &conflictInjectingStore{WorkflowStore: f.store, remaining: 100}
	engine := f.engineWithStore(store, Options{})

	_, _, err := engine.Execute(context.Background(), manager, inst.ID, "approve", nil, "")
	if model.CodeOf(err) != model.ErrConflict {
		t.Fatalf("code = %q, want %q", model.CodeOf(err), model.ErrConflict)
	}

	// Nothing committed and the retry loop terminated.
	stored, _ := f.store.Get(context.Background(), inst.ID)
	if stored.State != model.StatePendingApproval {
		t.Errorf("state = %q, want pending_approval", stored.State)
	}
	if used := 100 - store.remaining; used != maxConflictRetries+1 {
		t.Errorf("apply attempts = %d, want %d", used, maxConflictRetries+1)
	}
}

func TestSchedulingExceptionApprovalBooksAppointment(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{AutoSchedulingEnabled: true})
	manager := actor("u-manager", model.RoleNetworkManager)
	director := actor("u-director", model.RoleDirector)

	f.solicitations.Put(scheduling.Solicitation{ID: "sol-1", Specialty: "cardiology", Status: scheduling.SolicitationOpen})

	inst := f.mustCreate(t, manager, model.KindSchedulingException, map[string]any{
		"solicitation_id": "sol-1",
		"provider_id":     "prov-a",
		"preferred_start": "2025-03-12T14:00:00Z",
	})

	got := f.mustExecute(t, director, inst.ID, "approve", nil)
	if got.State != model.StateApproved {
		t.Fatalf("state = %q, want approved", got.State)
	}

	appts := f.book.Appointments()
	if len(appts) != 1 || appts[0].ProviderID != "prov-a" {
		t.Fatalf("appointments = %+v, want one with prov-a", appts)
	}
}

func TestSchedulingExceptionRejectRunsFallback(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{AutoSchedulingEnabled: true})
	manager := actor("u-manager", model.RoleNetworkManager)
	director := actor("u-director", model.RoleDirector)

	f.solicitations.Put(scheduling.Solicitation{ID: "sol-1", Specialty: "cardiology", Status: scheduling.SolicitationOpen})
	f.directory.Put(scheduling.Provider{ID: "prov-alt", Specialty: "cardiology", Cost: 50, Rating: 4.0, Active: true})

	inst := f.mustCreate(t, manager, model.KindSchedulingException, map[string]any{
		"solicitation_id": "sol-1",
		"provider_id":     "prov-rejected",
		"preferred_start": "2025-03-12T14:00:00Z",
	})
	f.mustExecute(t, director, inst.ID, "reject", nil)

	appts := f.book.Appointments()
	if len(appts) != 1 || appts[0].ProviderID != "prov-alt" {
		t.Fatalf("appointments = %+v, want one fallback booking with prov-alt", appts)
	}
}

func TestSchedulingExceptionRejectFallbackDisabled(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{AutoSchedulingEnabled: false})
	manager := actor("u-manager", model.RoleNetworkManager)
	director := actor("u-director", model.RoleDirector)

	f.solicitations.Put(scheduling.Solicitation{ID: "sol-1", Specialty: "cardiology", Status: scheduling.SolicitationOpen})
	f.directory.Put(scheduling.Provider{ID: "prov-alt", Specialty: "cardiology", Cost: 50, Rating: 4.0, Active: true})

	inst := f.mustCreate(t, manager, model.KindSchedulingException, map[string]any{
		"solicitation_id": "sol-1",
		"provider_id":     "prov-rejected",
		"preferred_start": "2025-03-12T14:00:00Z",
	})
	f.mustExecute(t, director, inst.ID, "reject", nil)

	if len(f.book.Appointments()) != 0 {
		t.Error("no booking expected with auto-scheduling disabled")
	}
}

func TestValueVerificationKindResolvesGate(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	requester := actor("u-requester", model.RoleCommercial)
	verifier := actor("u-verifier", model.RoleDirector)

	inst := f.mustCreate(t, requester, model.KindValueVerification, map[string]any{
		"original_value": 1500.0,
	})
	recordID := inst.PayloadString(model.PayloadVerificationID)
	if recordID == "" {
		t.Fatal("gate record not attached")
	}

	// The requester cannot verify their own value.
	_, _, err := f.engine.Execute(context.Background(), requester, inst.ID, "verify", nil, "")
	if model.CodeOf(err) != model.ErrSelfVerificationNotAllowed {
		t.Fatalf("self verify: code = %q, want %q", model.CodeOf(err), model.ErrSelfVerificationNotAllowed)
	}

	got := f.mustExecute(t, verifier, inst.ID, "verify", map[string]any{"verified_value": 1400.0})
	if got.State != model.StateVerified {
		t.Fatalf("state = %q, want verified", got.State)
	}

	rec, err := f.gate.Get(context.Background(), recordID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.VerificationVerified {
		t.Errorf("gate record status = %q, want verified", rec.Status)
	}
	if rec.VerifiedValue == nil || *rec.VerifiedValue != 1400 {
		t.Errorf("VerifiedValue = %v, want 1400", rec.VerifiedValue)
	}
}

func TestFailedEffectRollsBackTransition(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	manager := actor("u-manager", model.RoleNetworkManager)
	director := actor("u-director", model.RoleDirector)

	// Approval books against an unknown solicitation; the effect fails and
	// the state change must not commit.
	inst := f.mustCreate(t, manager, model.KindSchedulingException, map[string]any{
		"solicitation_id": "sol-missing",
		"provider_id":     "prov-a",
		"preferred_start": "2025-03-12T14:00:00Z",
	})

	_, _, err := f.engine.Execute(context.Background(), director, inst.ID, "approve", nil, "")
	if err == nil {
		t.Fatal("expected effect failure")
	}

	stored, _ := f.store.Get(context.Background(), inst.ID)
	if stored.State != model.StatePending {
		t.Errorf("state after failed effect = %q, want pending", stored.State)
	}
	trail, _ := f.store.GetTransitions(context.Background(), inst.ID)
	if len(trail) != 0 {
		t.Errorf("journal has %d entries after failed effect, want 0", len(trail))
	}
}

func TestEventsAddressRolesAndCreator(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	creator := actor("u-commercial", model.RoleCommercial)
	legal := actor("u-legal", model.RoleLegal)

	inst := f.mustCreate(t, creator, model.KindContract, nil)
	f.mustExecute(t, creator, inst.ID, "submit", nil)

	_, events, err := f.engine.Execute(context.Background(), legal, inst.ID, "begin_review", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	// One event per notify role plus one addressed to the creator.
	var roleEvents, creatorEvents int
	for _, evt := range events {
		if len(evt.RecipientRoles) > 0 {
			roleEvents++
		}
		if len(evt.RecipientIDs) == 1 && evt.RecipientIDs[0] == creator.SubjectID {
			creatorEvents++
		}
	}
	if roleEvents != 1 || creatorEvents != 1 {
		t.Errorf("events = %+v, want 1 role event and 1 creator event", events)
	}
}

func TestNoCreatorEventWhenActorIsCreator(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	creator := actor("u-commercial", model.RoleCommercial)

	inst := f.mustCreate(t, creator, model.KindContract, nil)
	_, events, err := f.engine.Execute(context.Background(), creator, inst.ID, "submit", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, evt := range events {
		if len(evt.RecipientIDs) > 0 {
			t.Errorf("creator acting on own instance must not be notified: %+v", evt)
		}
	}
}

func TestGetInstanceOutOfScopeIsNotFound(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeOwn, Options{})
	creator := actor("u-commercial", model.RoleCommercial)

	inst := f.mustCreate(t, creator, model.KindContract, nil)

	_, err := f.engine.GetInstance(context.Background(), actor("u-other", model.RoleCommercial), inst.ID)
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrNotFound)
	}
}

func TestListInstancesScopedToCreator(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeOwn, Options{})
	alice := actor("u-alice", model.RoleCommercial)
	bob := actor("u-bob", model.RoleCommercial)

	f.mustCreate(t, alice, model.KindContract, nil)
	f.mustCreate(t, bob, model.KindContract, nil)

	instances, total, err := f.engine.ListInstances(context.Background(), alice, model.InstanceFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(instances) != 1 {
		t.Fatalf("got %d/%d instances, want 1/1", len(instances), total)
	}
	if instances[0].CreatedBy != "u-alice" {
		t.Errorf("CreatedBy = %q, want u-alice", instances[0].CreatedBy)
	}
}

func TestListInstancesEntityScope(t *testing.T) {
	f := newEngineFixture(t, capability.ScopeEntity, Options{})
	alice := actor("u-alice", model.RoleCommercial)

	f.mustCreate(t, alice, model.KindContract, map[string]any{model.PayloadEntityID: "entity-1"})
	f.mustCreate(t, alice, model.KindContract, map[string]any{model.PayloadEntityID: "entity-2"})

	viewer := actor("u-plan-admin", model.RolePlanAdmin)
	instances, total, err := f.engine.ListInstances(context.Background(), viewer, model.InstanceFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(instances) != 1 {
		t.Fatalf("got %d/%d instances, want 1/1", len(instances), total)
	}
	if got := instances[0].PayloadString(model.PayloadEntityID); got != "entity-1" {
		t.Errorf("entity_id = %q, want entity-1", got)
	}
}
