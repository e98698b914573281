package workflow

import (
	"context"

	"github.com/medlar/approvals/model"
)

// EffectFunc runs a transition's side effects inside the store's unit of
// work. An error aborts the whole transition: state change and journal entry
// are rolled back together.
type EffectFunc func(ctx context.Context) error

// WorkflowStore persists workflow instances and their append-only transition
// journal.
type WorkflowStore interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Returns NOT_FOUND if the
	// instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// GetTransitions retrieves the full transition journal for an
	// instance, oldest first.
	GetTransitions(ctx context.Context, instanceID string) ([]model.Transition, error)

	// ApplyTransition atomically persists a state change together with its
	// journal entry and side effects, guarded by optimistic locking on
	// instance.Version. Returns CONFLICT if the stored version has moved;
	// the caller must re-read and re-validate. If effects returns an
	// error the state change and journal entry are rolled back and the
	// error is returned unchanged.
	ApplyTransition(ctx context.Context, instance model.WorkflowInstance, entry model.Transition, effects EffectFunc) error

	// List returns instances matching the filters plus the total match
	// count before pagination, newest first.
	List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error)
}
