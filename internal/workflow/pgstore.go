package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlar/approvals/internal/postgres"
	"github.com/medlar/approvals/model"
)

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5. Each
// ApplyTransition runs in a transaction holding a row lock on the instance,
// so two racing transitions serialize and the loser sees the version bump.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Create inserts a new workflow instance.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, kind, state, payload, created_by, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inst.ID, inst.Kind, inst.State, payloadJSON,
		inst.CreatedBy, inst.CreatedAt, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return scanInstance(s.pool.QueryRow(ctx, `
		SELECT id, kind, state, payload, created_by, created_at, updated_at, version
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	), instanceID)
}

// GetTransitions retrieves the journal for an instance, oldest first.
func (s *PgWorkflowStore) GetTransitions(ctx context.Context, instanceID string) ([]model.Transition, error) {
	// Verify the instance exists so absent instances surface as NOT_FOUND
	// instead of an empty journal.
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, action, from_state, to_state, actor_id, actor_roles, notes, occurred_at
		FROM workflow_transitions
		WHERE instance_id = $1
		ORDER BY occurred_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow transitions: %w", err)
	}
	defer rows.Close()

	var journal []model.Transition
	for rows.Next() {
		var tr model.Transition
		if err := rows.Scan(
			&tr.ID, &tr.InstanceID, &tr.Action, &tr.FromState, &tr.ToState,
			&tr.ActorID, &tr.ActorRoles, &tr.Notes, &tr.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow transition: %w", err)
		}
		journal = append(journal, tr)
	}
	return journal, rows.Err()
}

// ApplyTransition applies a state change, journal entry, and side effects in
// one transaction, guarded by a row lock and the optimistic version check.
func (s *PgWorkflowStore) ApplyTransition(
	ctx context.Context,
	inst model.WorkflowInstance,
	entry model.Transition,
	effects EffectFunc,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var storedVersion int
	err = tx.QueryRow(ctx, `
		SELECT version FROM workflow_instances
		WHERE id = $1
		FOR UPDATE`,
		inst.ID,
	).Scan(&storedVersion)
	if err == pgx.ErrNoRows {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}
	if err != nil {
		return fmt.Errorf("lock workflow instance: %w", err)
	}

	if storedVersion != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)",
				inst.ID, inst.Version, storedVersion),
		)
	}

	// Side effects run inside the transaction boundary; a failure rolls
	// back the state change and journal entry together. The transaction is
	// attached to the context so store writes made by the effects join it
	// instead of committing through their own pool connections.
	if effects != nil {
		if err := effects(postgres.WithQuerier(ctx, tx)); err != nil {
			return err
		}
	}

	payloadJSON, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_instances SET
			state = $1,
			payload = $2,
			version = $3,
			updated_at = $4
		WHERE id = $5`,
		inst.State, payloadJSON, inst.Version+1, time.Now().UTC(), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_transitions (
			id, instance_id, action, from_state, to_state, actor_id, actor_roles, notes, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.InstanceID, entry.Action, entry.FromState, entry.ToState,
		entry.ActorID, entry.ActorRoles, entry.Notes, entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// List returns instances matching the filters plus the total match count.
func (s *PgWorkflowStore) List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, int, error) {
	where := " WHERE 1=1"
	var args []any
	argIdx := 1

	addFilter := func(clause string, value any) {
		where += fmt.Sprintf(clause, argIdx)
		args = append(args, value)
		argIdx++
	}

	if filters.Kind != "" {
		addFilter(" AND kind = $%d", filters.Kind)
	}
	if filters.State != "" {
		addFilter(" AND state = $%d", filters.State)
	}
	if filters.CreatedBy != "" {
		addFilter(" AND created_by = $%d", filters.CreatedBy)
	}
	if filters.EntityID != "" {
		addFilter(" AND payload->>'entity_id' = $%d", filters.EntityID)
	}
	if !filters.CreatedFrom.IsZero() {
		addFilter(" AND created_at >= $%d", filters.CreatedFrom)
	}
	if !filters.CreatedTo.IsZero() {
		addFilter(" AND created_at <= $%d", filters.CreatedTo)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM workflow_instances"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT id, kind, state, payload, created_by, created_at, updated_at, version
	          FROM workflow_instances` + where + " ORDER BY created_at DESC"

	if filters.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.PageSize)
		argIdx++
		if filters.Page > 1 {
			query += fmt.Sprintf(" OFFSET $%d", argIdx)
			args = append(args, (filters.Page-1)*filters.PageSize)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		var payloadJSON []byte
		if err := rows.Scan(
			&inst.ID, &inst.Kind, &inst.State, &payloadJSON,
			&inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
		); err != nil {
			return nil, 0, fmt.Errorf("scan workflow instance: %w", err)
		}
		if payloadJSON != nil {
			_ = json.Unmarshal(payloadJSON, &inst.Payload)
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

// scanInstance scans a single instance row, mapping pgx.ErrNoRows to
// NOT_FOUND.
func scanInstance(row pgx.Row, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var payloadJSON []byte

	err := row.Scan(
		&inst.ID, &inst.Kind, &inst.State, &payloadJSON,
		&inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &inst.Payload); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return inst, nil
}

// HealthCheck pings the database for readiness probes.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
