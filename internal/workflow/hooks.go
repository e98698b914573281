package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/medlar/approvals/internal/definition"
	"github.com/medlar/approvals/internal/scheduling"
	"github.com/medlar/approvals/internal/verification"
	"github.com/medlar/approvals/model"
)

// Payload keys read by the scheduling effects.
const (
	payloadSolicitationID = "solicitation_id"
	payloadProviderID     = "provider_id"
	payloadPreferredStart = "preferred_start"
)

// Payload key requesting gate attachment at creation time.
const payloadRequiresValueVerification = "requires_value_verification"

// EffectContext is what a side-effect hook sees while running inside a
// transition's unit of work. Hooks may mutate Instance.Payload; the mutated
// payload is persisted with the state change.
type EffectContext struct {
	Instance *model.WorkflowInstance
	Actor    *model.ActorContext
	Params   map[string]any
	Notes    string
	Now      time.Time

	// AutoSchedulingEnabled is the explicit configuration value gating the
	// automatic fallback scheduling attempt on exception rejection.
	AutoSchedulingEnabled bool
}

// EffectHook runs a named side effect. An error aborts the transition.
type EffectHook func(ctx context.Context, ec *EffectContext) error

// PreconditionFunc evaluates a named precondition against an instance.
// It returns nil when satisfied and a PRECONDITION_NOT_MET error otherwise.
type PreconditionFunc func(inst *model.WorkflowInstance) error

// CreateHook runs kind-specific initialization when an instance is created
// (derived monetary fields, gate record attachment).
type CreateHook func(ctx context.Context, actor *model.ActorContext, inst *model.WorkflowInstance) error

// HookSet bundles the named effects, preconditions, and creation hooks the
// engine resolves definitions against.
type HookSet struct {
	Effects       map[string]EffectHook
	Preconditions map[string]PreconditionFunc
	Creators      map[string]CreateHook
}

// NewHookSet wires the default hooks for the built-in workflow kinds against
// the verification gate and the scheduling service.
func NewHookSet(gate *verification.Gate, scheduler *scheduling.Service) *HookSet {
	return &HookSet{
		Effects: map[string]EffectHook{
			definition.EffectSetOperatorApproved: func(_ context.Context, ec *EffectContext) error {
				ec.Instance.Payload[model.PayloadOperatorApproved] = true
				return nil
			},
			definition.EffectSetOperatorRejected: func(_ context.Context, ec *EffectContext) error {
				ec.Instance.Payload[model.PayloadOperatorApproved] = false
				return nil
			},
			definition.EffectMarkAddendum: func(_ context.Context, ec *EffectContext) error {
				ec.Instance.Payload[model.PayloadAddendumIncluded] = true
				return nil
			},
			definition.EffectMarkBilled: func(_ context.Context, ec *EffectContext) error {
				ec.Instance.Payload[model.PayloadBilled] = true
				return nil
			},
			definition.EffectBookAppointment:     bookAppointmentEffect(scheduler),
			definition.EffectFallbackScheduling:  fallbackSchedulingEffect(scheduler),
			definition.EffectResolveVerification: resolveVerificationEffect(gate, verification.DecisionApprove),
			definition.EffectRejectVerification:  resolveVerificationEffect(gate, verification.DecisionReject),
		},
		Preconditions: map[string]PreconditionFunc{
			definition.PreconditionOperatorApproved: operatorApprovedPrecondition,
			definition.PreconditionNotBilled:        notBilledPrecondition,
			definition.PreconditionAddendumPending:  addendumPendingPrecondition,
		},
		Creators: map[string]CreateHook{
			model.KindDeliberation:              deliberationCreateHook(gate),
			model.KindValueVerification:         valueVerificationCreateHook(gate),
			model.KindContract:                  gateAttachmentCreateHook(gate),
			model.KindExtemporaneousNegotiation: gateAttachmentCreateHook(gate),
		},
	}
}

// operatorApprovedPrecondition gates the deliberation main approval on the
// operator sub-approval when the payload requests it. A null or false
// operator decision blocks the approval.
func operatorApprovedPrecondition(inst *model.WorkflowInstance) error {
	required := inst.PayloadBool(model.PayloadRequiresOperatorApproval)
	if required == nil || !*required {
		return nil
	}
	decided := inst.PayloadBool(model.PayloadOperatorApproved)
	if decided == nil {
		return model.NewPreconditionNotMetError("operator approval is still outstanding")
	}
	if !*decided {
		return model.NewPreconditionNotMetError("operator rejected the deliberation")
	}
	return nil
}

// notBilledPrecondition blocks cancellation of billed deliberations.
func notBilledPrecondition(inst *model.WorkflowInstance) error {
	if billed := inst.PayloadBool(model.PayloadBilled); billed != nil && *billed {
		return model.NewPreconditionNotMetError("a billed deliberation cannot be cancelled")
	}
	if inst.State == model.StateBilled {
		return model.NewPreconditionNotMetError("a billed deliberation cannot be cancelled")
	}
	return nil
}

// addendumPendingPrecondition makes addendum marking idempotent-once: legal
// only while an addendum is required and not yet included.
func addendumPendingPrecondition(inst *model.WorkflowInstance) error {
	required := inst.PayloadBool(model.PayloadRequiresAddendum)
	if required == nil || !*required {
		return model.NewPreconditionNotMetError("negotiation does not require an addendum")
	}
	if included := inst.PayloadBool(model.PayloadAddendumIncluded); included != nil && *included {
		return model.NewPreconditionNotMetError("addendum has already been included")
	}
	return nil
}

// bookAppointmentEffect books the exception's chosen provider on approval.
func bookAppointmentEffect(scheduler *scheduling.Service) EffectHook {
	return func(ctx context.Context, ec *EffectContext) error {
		solicitationID := ec.Instance.PayloadString(payloadSolicitationID)
		providerID := ec.Instance.PayloadString(payloadProviderID)
		if solicitationID == "" || providerID == "" {
			return fmt.Errorf("scheduling exception %q is missing solicitation or provider reference", ec.Instance.ID)
		}
		preferred, err := preferredStart(ec)
		if err != nil {
			return err
		}
		return scheduler.BookException(ctx, solicitationID, providerID, preferred)
	}
}

// fallbackSchedulingEffect runs the automatic fallback attempt on exception
// rejection: pick the best alternative provider for the original
// solicitation and book the first free slot, or mark the solicitation
// failed. Disabled entirely when auto-scheduling is off.
func fallbackSchedulingEffect(scheduler *scheduling.Service) EffectHook {
	return func(ctx context.Context, ec *EffectContext) error {
		if !ec.AutoSchedulingEnabled {
			return nil
		}
		solicitationID := ec.Instance.PayloadString(payloadSolicitationID)
		rejectedProviderID := ec.Instance.PayloadString(payloadProviderID)
		if solicitationID == "" {
			return fmt.Errorf("scheduling exception %q is missing its solicitation reference", ec.Instance.ID)
		}
		preferred, err := preferredStart(ec)
		if err != nil {
			return err
		}
		return scheduler.ResolveFallback(ctx, solicitationID, rejectedProviderID, preferred)
	}
}

// resolveVerificationEffect resolves the gate record attached to a
// value_verification instance. Gate errors (self verification, already
// resolved) surface unchanged.
func resolveVerificationEffect(gate *verification.Gate, decision string) EffectHook {
	return func(ctx context.Context, ec *EffectContext) error {
		recordID := ec.Instance.PayloadString(model.PayloadVerificationID)
		if recordID == "" {
			return fmt.Errorf("value verification instance %q has no gate record attached", ec.Instance.ID)
		}

		var verifiedValue *float64
		if v, ok := ec.Params["verified_value"].(float64); ok {
			verifiedValue = &v
		}
		reason, _ := ec.Params["reason"].(string)
		if reason == "" {
			reason = ec.Notes
		}

		_, err := gate.Resolve(ctx, recordID, ec.Actor, decision, verifiedValue, reason)
		return err
	}
}

// deliberationCreateHook computes the frozen monetary fields and attaches
// the gate when requested. medlar_amount and total_value are computed once
// here and never recomputed on later transitions.
func deliberationCreateHook(gate *verification.Gate) CreateHook {
	attach := gateAttachmentCreateHook(gate)
	return func(ctx context.Context, actor *model.ActorContext, inst *model.WorkflowInstance) error {
		negotiated, ok := inst.PayloadFloat(model.PayloadNegotiatedValue)
		if !ok {
			return model.NewValidationError([]model.FieldError{{
				Field: model.PayloadNegotiatedValue, Code: "REQUIRED",
				Message: "negotiated_value is required",
			}})
		}
		percentage, ok := inst.PayloadFloat(model.PayloadMedlarPercentage)
		if !ok {
			return model.NewValidationError([]model.FieldError{{
				Field: model.PayloadMedlarPercentage, Code: "REQUIRED",
				Message: "medlar_percentage is required",
			}})
		}

		medlarAmount := negotiated * (percentage / 100)
		inst.Payload[model.PayloadMedlarAmount] = medlarAmount
		inst.Payload[model.PayloadTotalValue] = negotiated + medlarAmount

		return attach(ctx, actor, inst)
	}
}

// valueVerificationCreateHook creates the pending gate record a standalone
// value_verification instance wraps.
func valueVerificationCreateHook(gate *verification.Gate) CreateHook {
	return func(ctx context.Context, actor *model.ActorContext, inst *model.WorkflowInstance) error {
		original, ok := inst.PayloadFloat("original_value")
		if !ok {
			return model.NewValidationError([]model.FieldError{{
				Field: "original_value", Code: "REQUIRED",
				Message: "original_value is required",
			}})
		}
		notes, _ := inst.Payload["notes"].(string)

		rec, err := gate.RequireVerification(ctx, actor, inst.ID, original, notes)
		if err != nil {
			return err
		}
		inst.Payload[model.PayloadVerificationID] = rec.ID
		return nil
	}
}

// gateAttachmentCreateHook attaches a gate record to any kind whose payload
// opts in with requires_value_verification and a monetary amount.
func gateAttachmentCreateHook(gate *verification.Gate) CreateHook {
	return func(ctx context.Context, actor *model.ActorContext, inst *model.WorkflowInstance) error {
		required := inst.PayloadBool(payloadRequiresValueVerification)
		if required == nil || !*required {
			return nil
		}
		amount, ok := inst.PayloadFloat(model.PayloadNegotiatedValue)
		if !ok {
			return model.NewValidationError([]model.FieldError{{
				Field: model.PayloadNegotiatedValue, Code: "REQUIRED",
				Message: "negotiated_value is required when value verification is requested",
			}})
		}

		rec, err := gate.RequireVerification(ctx, actor, inst.ID, amount, "")
		if err != nil {
			return err
		}
		inst.Payload[model.PayloadVerificationID] = rec.ID
		return nil
	}
}

// preferredStart parses the preferred appointment start from the payload.
func preferredStart(ec *EffectContext) (time.Time, error) {
	raw := ec.Instance.PayloadString(payloadPreferredStart)
	if raw == "" {
		return time.Time{}, fmt.Errorf("scheduling exception %q is missing preferred_start", ec.Instance.ID)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse preferred_start: %w", err)
	}
	return t.UTC(), nil
}
