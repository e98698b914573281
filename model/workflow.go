package model

import "time"

// Workflow kinds. Each kind has its own state graph registered in the
// definition registry.
const (
	KindContract                  = "contract"
	KindDeliberation              = "deliberation"
	KindExtemporaneousNegotiation = "extemporaneous_negotiation"
	KindSchedulingException       = "scheduling_exception"
	KindValueVerification         = "value_verification"
)

// Common state labels. Kinds may declare additional states; these constants
// cover the labels shared by more than one graph.
const (
	StatePending         = "pending"
	StatePendingApproval = "pending_approval"
	StateApproved        = "approved"
	StateRejected        = "rejected"
	StateCancelled       = "cancelled"
	StateVerified        = "verified"
	StateBilled          = "billed"
)

// Payload keys the engine itself reads. Everything else in the payload is
// opaque kind-specific business data.
const (
	PayloadRequesterID              = "requester_id"
	PayloadEntityID                 = "entity_id"
	PayloadRequiresOperatorApproval = "requires_operator_approval"
	PayloadOperatorApproved         = "operator_approved"
	PayloadVerificationID           = "verification_id"
	PayloadBilled                   = "billed"
	PayloadNegotiatedValue          = "negotiated_value"
	PayloadMedlarPercentage         = "medlar_percentage"
	PayloadMedlarAmount             = "medlar_amount"
	PayloadTotalValue               = "total_value"
	PayloadRequiresAddendum         = "is_requiring_addendum"
	PayloadAddendumIncluded         = "addendum_included"
)

// WorkflowInstance is one business object under approval tracking: a
// contract, a deliberation, an extemporaneous negotiation, a scheduling
// exception, or a value verification.
type WorkflowInstance struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	State     string         `json:"state"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   int            `json:"version"`
}

// PayloadString returns the string value of a payload key, or "".
func (wi *WorkflowInstance) PayloadString(key string) string {
	if wi.Payload == nil {
		return ""
	}
	s, _ := wi.Payload[key].(string)
	return s
}

// PayloadBool returns the payload value of key as a bool pointer. A nil
// return means the key is absent or not a bool, which callers treat as
// "not yet decided".
func (wi *WorkflowInstance) PayloadBool(key string) *bool {
	if wi.Payload == nil {
		return nil
	}
	b, ok := wi.Payload[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

// PayloadFloat returns the payload value of key as a float64. JSON decoding
// produces float64 for all numbers, so this covers values round-tripped
// through storage as well.
func (wi *WorkflowInstance) PayloadFloat(key string) (float64, bool) {
	if wi.Payload == nil {
		return 0, false
	}
	switch v := wi.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Transition is one recorded, audited move in an instance's history.
// Transitions are append-only and immutable once recorded; the instance's
// current state must equal the ToState of its most recent transition.
type Transition struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Action     string    `json:"action"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	ActorID    string    `json:"actor_id"`
	ActorRoles []string  `json:"actor_roles"`
	Notes      string    `json:"notes,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// InstanceFilters narrow a ListInstances call. Zero values mean "no filter".
// Scope restrictions (own / entity / all) are applied on top of these by the
// engine based on the caller's roles.
type InstanceFilters struct {
	Kind        string
	State       string
	CreatedBy   string
	EntityID    string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Page        int
	PageSize    int
}

// Event is a notification intent emitted by the engine after a committed
// transition. The engine never delivers notifications itself; events are
// returned to the caller for best-effort dispatch.
type Event struct {
	ID             string         `json:"id"`
	InstanceID     string         `json:"instance_id"`
	Kind           string         `json:"kind"`
	Action         string         `json:"action"`
	FromState      string         `json:"from_state"`
	ToState        string         `json:"to_state"`
	ActorID        string         `json:"actor_id"`
	RecipientRoles []string       `json:"recipient_roles,omitempty"`
	RecipientIDs   []string       `json:"recipient_ids,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// ValueVerificationRecord tracks an independent second-actor confirmation of
// a monetary figure. Once Status leaves "pending" the record is immutable.
type ValueVerificationRecord struct {
	ID            string     `json:"id"`
	EntityRef     string     `json:"entity_ref"`
	OriginalValue float64    `json:"original_value"`
	VerifiedValue *float64   `json:"verified_value,omitempty"`
	RequesterID   string     `json:"requester_id"`
	VerifierID    string     `json:"verifier_id,omitempty"`
	Status        string     `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	RejectReason  string     `json:"reject_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Verification record statuses.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationRejected = "rejected"
)
