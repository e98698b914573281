package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medlar/approvals/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for testing and
// single-instance deployments. The per-store mutex gives the same
// single-writer-per-instance guarantee the PostgreSQL store gets from
// row locks.
type MemoryWorkflowStore struct {
	mu          sync.RWMutex
	instances   map[string]model.WorkflowInstance
	transitions map[string][]model.Transition
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances:   make(map[string]model.WorkflowInstance),
		transitions: make(map[string][]model.Transition),
	}
}

// Create persists a new workflow instance.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryWorkflowStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// GetTransitions retrieves the journal for an instance, oldest first.
func (s *MemoryWorkflowStore) GetTransitions(_ context.Context, instanceID string) ([]model.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	journal := s.transitions[instanceID]
	result := make([]model.Transition, len(journal))
	copy(result, journal)
	return result, nil
}

// ApplyTransition applies a state change, journal entry, and side effects as
// one unit under the store lock. On any failure nothing is committed.
func (s *MemoryWorkflowStore) ApplyTransition(
	ctx context.Context,
	inst model.WorkflowInstance,
	entry model.Transition,
	effects EffectFunc,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)",
				inst.ID, inst.Version, existing.Version),
		)
	}

	if effects != nil {
		if err := effects(ctx); err != nil {
			return err
		}
	}

	inst.Version++
	s.instances[inst.ID] = cloneInstance(inst)
	s.transitions[inst.ID] = append(s.transitions[inst.ID], entry)
	return nil
}

// List returns instances matching the filters plus the total match count.
func (s *MemoryWorkflowStore) List(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowInstance
	for _, inst := range s.instances {
		if !matchesFilters(inst, filters) {
			continue
		}
		matched = append(matched, cloneInstance(inst))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)

	offset := 0
	if filters.Page > 1 && filters.PageSize > 0 {
		offset = (filters.Page - 1) * filters.PageSize
	}
	if offset >= len(matched) {
		return []model.WorkflowInstance{}, total, nil
	}
	matched = matched[offset:]
	if filters.PageSize > 0 && filters.PageSize < len(matched) {
		matched = matched[:filters.PageSize]
	}

	return matched, total, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func matchesFilters(inst model.WorkflowInstance, f model.InstanceFilters) bool {
	if f.Kind != "" && inst.Kind != f.Kind {
		return false
	}
	if f.State != "" && inst.State != f.State {
		return false
	}
	if f.CreatedBy != "" && inst.CreatedBy != f.CreatedBy {
		return false
	}
	if f.EntityID != "" && inst.PayloadString(model.PayloadEntityID) != f.EntityID {
		return false
	}
	if !f.CreatedFrom.IsZero() && inst.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && inst.CreatedAt.After(f.CreatedTo) {
		return false
	}
	return true
}

// cloneInstance deep-copies the payload so callers cannot mutate stored
// state behind the store's back, including through nested maps and slices.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	if inst.Payload != nil {
		inst.Payload = clonePayload(inst.Payload)
	}
	return inst
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
