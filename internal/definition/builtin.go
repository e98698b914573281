// Package definition holds the static workflow graphs: the built-in
// definitions for the five approval kinds, a YAML loader for operator
// overrides, a validator for graph invariants, and a registry with atomic
// snapshot swap for lock-free concurrent reads.
package definition

import "github.com/medlar/approvals/model"

// Precondition names referenced by the built-in graphs. The engine resolves
// them through its precondition registry.
const (
	PreconditionOperatorApproved = "operator_approved"
	PreconditionNotBilled        = "not_billed"
	PreconditionAddendumPending  = "addendum_pending"
)

// Effect names referenced by the built-in graphs. The engine resolves them
// through its side-effect hook registry.
const (
	EffectSetOperatorApproved = "set_operator_approved"
	EffectSetOperatorRejected = "set_operator_rejected"
	EffectMarkAddendum        = "mark_addendum_included"
	EffectMarkBilled          = "mark_billed"
	EffectBookAppointment     = "book_appointment"
	EffectFallbackScheduling  = "fallback_scheduling"
	EffectResolveVerification = "resolve_verification"
	EffectRejectVerification  = "reject_verification"
)

// Builtin returns the five built-in kind definitions. Operator-supplied YAML
// files may replace individual kinds at startup; the graphs themselves are
// never mutated at runtime.
func Builtin() []model.KindDefinition {
	return []model.KindDefinition{
		contractDefinition(),
		deliberationDefinition(),
		negotiationDefinition(),
		schedulingExceptionDefinition(),
		valueVerificationDefinition(),
	}
}

// contractDefinition is the contract approval pipeline:
// draft -> pending_approval -> legal_review -> commercial_review ->
// pending_director_approval -> approved, with rejection edges bouncing back
// down the chain. The legal_review rejection keeps the state at legal_review;
// that mirrors the production behavior and is pinned by a test.
func contractDefinition() model.KindDefinition {
	return model.KindDefinition{
		Kind:         model.KindContract,
		Name:         "Contract approval",
		InitialState: "draft",
		CreatorRoles: []string{model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
		States: []model.StateSpec{
			{ID: "draft", Name: "Draft"},
			{ID: model.StatePendingApproval, Name: "Pending approval"},
			{ID: "legal_review", Name: "Legal review"},
			{ID: "commercial_review", Name: "Commercial review"},
			{ID: "pending_director_approval", Name: "Pending director approval"},
			{ID: model.StateApproved, Name: "Approved", Terminal: true, Outcome: model.OutcomeSuccess},
			{ID: model.StateCancelled, Name: "Cancelled", Terminal: true, Outcome: model.OutcomeFailure},
		},
		Transitions: []model.TransitionSpec{
			{
				From: "draft", Action: "submit", To: model.StatePendingApproval,
				AllowedRoles:   []string{model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
				CreatorAllowed: true,
				NotifyRoles:    []string{model.RoleLegal},
			},
			{
				From: model.StatePendingApproval, Action: "begin_review", To: "legal_review",
				AllowedRoles: []string{model.RoleLegal, model.RoleAdmin, model.RoleSuperAdmin},
				NotifyRoles:  []string{model.RoleLegal},
			},
			{
				From: "legal_review", Action: "approve", To: "commercial_review",
				AllowedRoles: []string{model.RoleLegal},
				NotifyRoles:  []string{model.RoleCommercial},
			},
			{
				// Rejection at legal review stays in legal_review awaiting
				// resubmission.
				From: "legal_review", Action: "reject", To: "legal_review",
				AllowedRoles: []string{model.RoleLegal},
			},
			{
				From: "commercial_review", Action: "approve", To: "pending_director_approval",
				AllowedRoles: []string{model.RoleCommercial},
				NotifyRoles:  []string{model.RoleDirector},
			},
			{
				From: "commercial_review", Action: "reject", To: "legal_review",
				AllowedRoles: []string{model.RoleCommercial},
				NotifyRoles:  []string{model.RoleLegal},
			},
			{
				From: "pending_director_approval", Action: "approve", To: model.StateApproved,
				AllowedRoles: []string{model.RoleDirector},
				ValueGated:   true,
				NotifyRoles:  []string{model.RoleCommercial, model.RoleLegal},
			},
			{
				From: "pending_director_approval", Action: "reject", To: "commercial_review",
				AllowedRoles: []string{model.RoleDirector},
				NotifyRoles:  []string{model.RoleCommercial},
			},
			{
				From: "draft", Action: "cancel", To: model.StateCancelled,
				AllowedRoles:   []string{model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
				CreatorAllowed: true,
			},
			{
				From: model.StatePendingApproval, Action: "cancel", To: model.StateCancelled,
				AllowedRoles:   []string{model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
				CreatorAllowed: true,
			},
		},
	}
}

// deliberationDefinition is the price deliberation pipeline. The main
// approve action is gated on the operator sub-approval when the payload
// requests it; the sub-approval itself is a side transition that leaves the
// main state untouched.
func deliberationDefinition() model.KindDefinition {
	managerRoles := []string{model.RoleNetworkManager, model.RoleAdmin, model.RoleSuperAdmin}
	operatorRoles := []string{model.RoleOperator, model.RoleAdmin, model.RoleSuperAdmin}

	return model.KindDefinition{
		Kind:         model.KindDeliberation,
		Name:         "Price deliberation",
		InitialState: model.StatePendingApproval,
		CreatorRoles: []string{model.RoleNetworkManager, model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
		States: []model.StateSpec{
			{ID: model.StatePendingApproval, Name: "Pending approval"},
			{ID: model.StateApproved, Name: "Approved", Terminal: true, Outcome: model.OutcomeSuccess},
			{ID: model.StateRejected, Name: "Rejected", Terminal: true, Outcome: model.OutcomeFailure},
			{ID: model.StateCancelled, Name: "Cancelled", Terminal: true, Outcome: model.OutcomeFailure},
			{ID: model.StateBilled, Name: "Billed", Terminal: true, Outcome: model.OutcomeSuccess},
		},
		Transitions: []model.TransitionSpec{
			{
				From: model.StatePendingApproval, Action: "approve", To: model.StateApproved,
				AllowedRoles: managerRoles,
				Precondition: PreconditionOperatorApproved,
				ValueGated:   true,
				NotifyRoles:  []string{model.RoleCommercial, model.RoleOperator},
			},
			{
				From: model.StatePendingApproval, Action: "reject", To: model.StateRejected,
				AllowedRoles: managerRoles,
				NotifyRoles:  []string{model.RoleCommercial, model.RoleOperator},
			},
			{
				From: model.StatePendingApproval, Action: "cancel", To: model.StateCancelled,
				AllowedRoles: []string{model.RoleNetworkManager, model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
				Precondition: PreconditionNotBilled,
			},
			{
				From: model.StatePendingApproval, Action: "operator_approve", To: model.StatePendingApproval,
				AllowedRoles: operatorRoles,
				Side:         true,
				Effect:       EffectSetOperatorApproved,
				NotifyRoles:  []string{model.RoleNetworkManager},
			},
			{
				From: model.StatePendingApproval, Action: "operator_reject", To: model.StatePendingApproval,
				AllowedRoles: operatorRoles,
				Side:         true,
				Effect:       EffectSetOperatorRejected,
				NotifyRoles:  []string{model.RoleNetworkManager},
			},
			{
				From: model.StateApproved, Action: "mark_billed", To: model.StateBilled,
				AllowedRoles: []string{model.RoleAdmin, model.RoleSuperAdmin},
				Side:         true,
				Effect:       EffectMarkBilled,
			},
		},
	}
}

// negotiationDefinition is the extemporaneous negotiation pipeline. Approved
// negotiations may carry a pending addendum resolved later by a
// state-preserving side transition; the addendum_pending precondition makes
// the marking idempotent-once.
func negotiationDefinition() model.KindDefinition {
	evaluatorRoles := []string{model.RoleCommercial, model.RoleDirector, model.RoleAdmin, model.RoleSuperAdmin}

	return model.KindDefinition{
		Kind:         model.KindExtemporaneousNegotiation,
		Name:         "Extemporaneous negotiation",
		InitialState: model.StatePending,
		CreatorRoles: []string{model.RoleCommercial, model.RoleNetworkManager, model.RoleAdmin, model.RoleSuperAdmin},
		States: []model.StateSpec{
			{ID: model.StatePending, Name: "Pending"},
			{ID: model.StateApproved, Name: "Approved", Terminal: true, Outcome: model.OutcomeSuccess},
			{ID: model.StateRejected, Name: "Rejected", Terminal: true, Outcome: model.OutcomeFailure},
		},
		Transitions: []model.TransitionSpec{
			{
				From: model.StatePending, Action: "approve", To: model.StateApproved,
				AllowedRoles: evaluatorRoles,
				ValueGated:   true,
				NotifyRoles:  []string{model.RoleCommercial, model.RoleLegal},
			},
			{
				From: model.StatePending, Action: "reject", To: model.StateRejected,
				AllowedRoles: evaluatorRoles,
				NotifyRoles:  []string{model.RoleCommercial},
			},
			{
				From: model.StateApproved, Action: "mark_addendum_included", To: model.StateApproved,
				AllowedRoles: []string{model.RoleLegal, model.RoleCommercial, model.RoleAdmin, model.RoleSuperAdmin},
				Side:         true,
				Precondition: PreconditionAddendumPending,
				Effect:       EffectMarkAddendum,
			},
		},
	}
}

// schedulingExceptionDefinition is the scheduling exception pipeline.
// Approval books an appointment with the exception's chosen provider;
// rejection triggers the automatic fallback scheduling attempt. The same
// role set guards both directions (the historic asymmetry between approve
// and reject roles was unintentional).
func schedulingExceptionDefinition() model.KindDefinition {
	evaluatorRoles := []string{model.RoleAdmin, model.RoleSuperAdmin, model.RoleDirector}

	return model.KindDefinition{
		Kind:         model.KindSchedulingException,
		Name:         "Scheduling exception",
		InitialState: model.StatePending,
		CreatorRoles: []string{model.RoleNetworkManager, model.RoleOperator, model.RoleAdmin, model.RoleSuperAdmin},
		States: []model.StateSpec{
			{ID: model.StatePending, Name: "Pending"},
			{ID: model.StateApproved, Name: "Approved", Terminal: true, Outcome: model.OutcomeSuccess},
			{ID: model.StateRejected, Name: "Rejected", Terminal: true, Outcome: model.OutcomeFailure},
		},
		Transitions: []model.TransitionSpec{
			{
				From: model.StatePending, Action: "approve", To: model.StateApproved,
				AllowedRoles: evaluatorRoles,
				Effect:       EffectBookAppointment,
				NotifyRoles:  []string{model.RoleNetworkManager},
			},
			{
				From: model.StatePending, Action: "reject", To: model.StateRejected,
				AllowedRoles: evaluatorRoles,
				Effect:       EffectFallbackScheduling,
				NotifyRoles:  []string{model.RoleNetworkManager},
			},
		},
	}
}

// valueVerificationDefinition is the double verification gate surfaced as a
// workflow kind of its own. The resolve effects delegate to the verification
// gate, which enforces the self-verification ban.
func valueVerificationDefinition() model.KindDefinition {
	verifierRoles := []string{model.RoleCommercial, model.RoleDirector, model.RoleAdmin, model.RoleSuperAdmin}

	return model.KindDefinition{
		Kind:         model.KindValueVerification,
		Name:         "Value double verification",
		InitialState: model.StatePending,
		CreatorRoles: []string{model.RoleCommercial, model.RoleNetworkManager, model.RoleAdmin, model.RoleSuperAdmin},
		States: []model.StateSpec{
			{ID: model.StatePending, Name: "Pending"},
			{ID: model.StateVerified, Name: "Verified", Terminal: true, Outcome: model.OutcomeSuccess},
			{ID: model.StateRejected, Name: "Rejected", Terminal: true, Outcome: model.OutcomeFailure},
		},
		Transitions: []model.TransitionSpec{
			{
				From: model.StatePending, Action: "verify", To: model.StateVerified,
				AllowedRoles: verifierRoles,
				Effect:       EffectResolveVerification,
			},
			{
				From: model.StatePending, Action: "reject", To: model.StateRejected,
				AllowedRoles: verifierRoles,
				Effect:       EffectRejectVerification,
			},
		},
	}
}
