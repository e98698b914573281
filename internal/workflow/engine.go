package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medlar/approvals/internal/capability"
	"github.com/medlar/approvals/internal/definition"
	"github.com/medlar/approvals/model"
)

// maxConflictRetries bounds how many times Execute re-reads and re-validates
// after losing the store's optimistic version check to a concurrent writer.
const maxConflictRetries = 3

// frozenPayloadKeys are computed or identity-bearing fields that action
// params may never overwrite after creation.
var frozenPayloadKeys = map[string]bool{
	model.PayloadRequesterID:      true,
	model.PayloadVerificationID:   true,
	model.PayloadNegotiatedValue:  true,
	model.PayloadMedlarPercentage: true,
	model.PayloadMedlarAmount:     true,
	model.PayloadTotalValue:       true,
}

// VerificationChecker is the slice of the verification gate the engine needs
// for the value-gate check: reading a record's status.
type VerificationChecker interface {
	Get(ctx context.Context, recordID string) (model.ValueVerificationRecord, error)
}

// Options carry explicit configuration into engine calls, replacing the
// process-wide mutable settings of the original system.
type Options struct {
	AutoSchedulingEnabled bool
}

// InstanceDetail is an instance together with its full audit trail.
type InstanceDetail struct {
	Instance model.WorkflowInstance `json:"instance"`
	Trail    []model.Transition     `json:"trail"`
}

// Engine is the state machine executor shared by all approval pipelines. It
// validates requested transitions against the kind's graph, the actor's
// roles, and declared preconditions, then applies them atomically with their
// side effects and emits notification intents.
type Engine struct {
	registry *definition.Registry
	store    WorkflowStore
	gate     VerificationChecker
	hooks    *HookSet
	scopes   capability.ScopeResolver
	clock    Clock
	logger   *zap.Logger
	opts     Options
}

// NewEngine creates a workflow engine.
func NewEngine(
	registry *definition.Registry,
	store WorkflowStore,
	gate VerificationChecker,
	hooks *HookSet,
	scopes capability.ScopeResolver,
	clock Clock,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: registry,
		store:    store,
		gate:     gate,
		hooks:    hooks,
		scopes:   scopes,
		clock:    clock,
		logger:   logger,
		opts:     opts,
	}
}

// CreateInstance originates a new workflow instance in its kind's initial
// state. The requester must hold one of the kind's creator roles.
func (e *Engine) CreateInstance(
	ctx context.Context,
	actor *model.ActorContext,
	kind string,
	payload map[string]any,
) (model.WorkflowInstance, error) {
	// 1. Look up the kind definition.
	def, ok := e.registry.Kind(kind)
	if !ok {
		return model.WorkflowInstance{}, model.NewUnknownKindError(kind)
	}

	// 2. Check creator roles.
	if !actor.HasAnyRole(def.CreatorRoles...) {
		return model.WorkflowInstance{}, model.NewForbiddenError(
			fmt.Sprintf("insufficient roles to create a %s workflow", kind),
		)
	}

	// 3. Build the instance in the initial state.
	now := e.clock.Now()
	inst := model.WorkflowInstance{
		ID:        uuid.New().String(),
		Kind:      kind,
		State:     def.InitialState,
		Payload:   make(map[string]any, len(payload)+2),
		CreatedBy: actor.SubjectID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	for k, v := range payload {
		inst.Payload[k] = v
	}
	if inst.PayloadString(model.PayloadRequesterID) == "" {
		inst.Payload[model.PayloadRequesterID] = actor.SubjectID
	}

	// 4. Run the kind's creation hook (frozen monetary fields, gate
	// attachment).
	if e.hooks != nil {
		if hook, ok := e.hooks.Creators[kind]; ok {
			if err := hook(ctx, actor, &inst); err != nil {
				return model.WorkflowInstance{}, err
			}
		}
	}

	// 5. Persist.
	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.logger.Info("workflow instance created",
		zap.String("instance_id", inst.ID),
		zap.String("kind", kind),
		zap.String("state", inst.State),
		zap.String("actor_id", actor.SubjectID),
	)
	return inst, nil
}

// Execute validates and applies one action against an instance. On success
// it returns the updated instance and the notification events the caller
// should dispatch; the engine itself never delivers notifications.
func (e *Engine) Execute(
	ctx context.Context,
	actor *model.ActorContext,
	instanceID string,
	action string,
	params map[string]any,
	notes string,
) (model.WorkflowInstance, []model.Event, error) {
	// 1. Load the instance.
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}

	// Racing actors may all load the same pre-transition state. The store's
	// version check catches the losers, who re-read and re-validate against
	// fresh state; a transition that is no longer legal then fails
	// INVALID_STATE rather than surfacing the raw conflict.
	updated, events, err := e.attempt(ctx, actor, inst, action, params, notes)
	for retries := 0; retries < maxConflictRetries && err != nil && model.CodeOf(err) == model.ErrConflict; retries++ {
		inst, err = e.store.Get(ctx, instanceID)
		if err != nil {
			return model.WorkflowInstance{}, nil, err
		}
		updated, events, err = e.attempt(ctx, actor, inst, action, params, notes)
	}
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}

	e.logger.Info("workflow transition applied",
		zap.String("instance_id", updated.ID),
		zap.String("kind", updated.Kind),
		zap.String("action", action),
		zap.String("from_state", inst.State),
		zap.String("to_state", updated.State),
		zap.String("actor_id", actor.SubjectID),
	)
	return updated, events, nil
}

// attempt runs one validation + apply pass against a loaded instance.
func (e *Engine) attempt(
	ctx context.Context,
	actor *model.ActorContext,
	inst model.WorkflowInstance,
	action string,
	params map[string]any,
	notes string,
) (model.WorkflowInstance, []model.Event, error) {
	// 2. Resolve the transition for (current state, action).
	def, ok := e.registry.Kind(inst.Kind)
	if !ok {
		return model.WorkflowInstance{}, nil, model.NewUnknownKindError(inst.Kind)
	}
	tr, ok := def.FindTransition(inst.State, action)
	if !ok {
		return model.WorkflowInstance{}, nil, model.NewInvalidStateError(
			fmt.Sprintf("action %q is not legal from state %q of %s instance %q",
				action, inst.State, inst.Kind, inst.ID),
		)
	}

	// 3. Check authorization: allowed roles, or the creator where the
	// transition permits it.
	authorized := actor.HasAnyRole(tr.AllowedRoles...) ||
		(tr.CreatorAllowed && actor.SubjectID == inst.CreatedBy)
	if !authorized {
		return model.WorkflowInstance{}, nil, model.NewForbiddenError(
			fmt.Sprintf("insufficient roles for action %q on %s instance %q",
				action, inst.Kind, inst.ID),
		)
	}

	// 4. Evaluate the declared precondition.
	if tr.Precondition != "" {
		precond, ok := e.hooks.Preconditions[tr.Precondition]
		if !ok {
			return model.WorkflowInstance{}, nil, fmt.Errorf(
				"precondition %q is not registered", tr.Precondition)
		}
		if err := precond(&inst); err != nil {
			return model.WorkflowInstance{}, nil, err
		}
	}

	// 5. Consult the double verification gate when the transition is
	// value-gated and a gate record is attached.
	if tr.ValueGated {
		if err := e.checkValueGate(ctx, &inst); err != nil {
			return model.WorkflowInstance{}, nil, err
		}
	}

	// 6. Apply the transition: merge params, write the new state, append
	// the journal entry, and run side effects in one atomic unit.
	working := cloneInstance(inst)
	for k, v := range params {
		if frozenPayloadKeys[k] {
			continue
		}
		working.Payload[k] = v
	}
	working.State = tr.To
	working.UpdatedAt = e.clock.Now()

	entry := model.Transition{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		Action:     action,
		FromState:  inst.State,
		ToState:    tr.To,
		ActorID:    actor.SubjectID,
		ActorRoles: append([]string(nil), actor.Roles...),
		Notes:      notes,
		OccurredAt: working.UpdatedAt,
	}

	var effects EffectFunc
	if tr.Effect != "" {
		hook, ok := e.hooks.Effects[tr.Effect]
		if !ok {
			return model.WorkflowInstance{}, nil, fmt.Errorf(
				"effect %q is not registered", tr.Effect)
		}
		ec := &EffectContext{
			Instance:              &working,
			Actor:                 actor,
			Params:                params,
			Notes:                 notes,
			Now:                   working.UpdatedAt,
			AutoSchedulingEnabled: e.opts.AutoSchedulingEnabled,
		}
		effects = func(ctx context.Context) error {
			return hook(ctx, ec)
		}
	}

	if err := e.store.ApplyTransition(ctx, working, entry, effects); err != nil {
		return model.WorkflowInstance{}, nil, e.classifyApplyError(err)
	}
	working.Version++

	// 7. Build notification intents for the caller to dispatch.
	events := e.buildEvents(working, tr, entry)
	return working, events, nil
}

// classifyApplyError maps store/effect failures onto the error taxonomy:
// typed domain errors (gate violations, conflicts) pass through unchanged,
// plain side-effect failures become SIDE_EFFECT_FAILED.
func (e *Engine) classifyApplyError(err error) error {
	if env, ok := err.(*model.ErrorEnvelope); ok {
		switch env.Code {
		case model.ErrInternalError:
			return model.NewSideEffectFailedError(env.Message)
		default:
			return env
		}
	}
	return model.NewSideEffectFailedError(err.Error())
}

// checkValueGate enforces the double verification gate at its trigger
// transition. Instances without an attached record pass through.
func (e *Engine) checkValueGate(ctx context.Context, inst *model.WorkflowInstance) error {
	recordID := inst.PayloadString(model.PayloadVerificationID)
	if recordID == "" || e.gate == nil {
		return nil
	}

	rec, err := e.gate.Get(ctx, recordID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case model.VerificationVerified:
		return nil
	case model.VerificationPending:
		return model.NewAwaitingVerificationError(recordID)
	default:
		return model.NewPreconditionNotMetError(
			fmt.Sprintf("value verification %q was rejected", recordID),
		)
	}
}

// buildEvents constructs one notification intent per interested role plus
// one addressed to the instance creator.
func (e *Engine) buildEvents(
	inst model.WorkflowInstance,
	tr model.TransitionSpec,
	entry model.Transition,
) []model.Event {
	base := model.Event{
		InstanceID: inst.ID,
		Kind:       inst.Kind,
		Action:     entry.Action,
		FromState:  entry.FromState,
		ToState:    entry.ToState,
		ActorID:    entry.ActorID,
		OccurredAt: entry.OccurredAt,
	}

	var events []model.Event
	for _, role := range tr.NotifyRoles {
		evt := base
		evt.ID = uuid.New().String()
		evt.RecipientRoles = []string{role}
		events = append(events, evt)
	}

	// The creator always hears about transitions on their instance, unless
	// they performed the action themselves.
	if inst.CreatedBy != entry.ActorID {
		evt := base
		evt.ID = uuid.New().String()
		evt.RecipientIDs = []string{inst.CreatedBy}
		events = append(events, evt)
	}
	return events
}

// GetInstance returns an instance with its full audit trail, subject to the
// caller's visibility scope.
func (e *Engine) GetInstance(
	ctx context.Context,
	actor *model.ActorContext,
	instanceID string,
) (InstanceDetail, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return InstanceDetail{}, err
	}

	if err := e.checkVisibility(actor, inst); err != nil {
		return InstanceDetail{}, err
	}

	trail, err := e.store.GetTransitions(ctx, instanceID)
	if err != nil {
		return InstanceDetail{}, err
	}

	return InstanceDetail{Instance: inst, Trail: trail}, nil
}

// ListInstances returns instances matching the filters, narrowed to the
// caller's visibility scope, plus the total match count.
func (e *Engine) ListInstances(
	ctx context.Context,
	actor *model.ActorContext,
	filters model.InstanceFilters,
) ([]model.WorkflowInstance, int, error) {
	scope, err := e.scopes.Resolve(actor)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve visibility scope: %w", err)
	}

	switch scope {
	case capability.ScopeAll:
		// No narrowing.
	case capability.ScopeEntity:
		filters.EntityID = actor.EntityID
	default:
		filters.CreatedBy = actor.SubjectID
	}

	if filters.PageSize <= 0 {
		filters.PageSize = 20
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}

	return e.store.List(ctx, filters)
}

// checkVisibility applies the caller's scope to a single instance read.
// Out-of-scope instances surface as NOT_FOUND rather than FORBIDDEN so their
// existence is not leaked.
func (e *Engine) checkVisibility(actor *model.ActorContext, inst model.WorkflowInstance) error {
	scope, err := e.scopes.Resolve(actor)
	if err != nil {
		return fmt.Errorf("resolve visibility scope: %w", err)
	}

	switch scope {
	case capability.ScopeAll:
		return nil
	case capability.ScopeEntity:
		if inst.PayloadString(model.PayloadEntityID) == actor.EntityID {
			return nil
		}
	default:
		if inst.CreatedBy == actor.SubjectID {
			return nil
		}
	}
	return model.NewNotFoundError(
		fmt.Sprintf("workflow instance %q not found", inst.ID),
	)
}
