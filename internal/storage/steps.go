package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PendingWorkflow is an unfinished workflow eligible for resumption.
type PendingWorkflow struct {
	ID      uuid.UUID
	Kind    string
	Payload json.RawMessage
}

// CreateWorkflow registers a workflow invocation with its input payload.
// Idempotent: re-registering an existing id is a no-op, so a crashed start
// can be retried safely.
func (db *DB) CreateWorkflow(ctx context.Context, id uuid.UUID, kind string, payload json.RawMessage) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflows (id, kind, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, kind, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: create workflow: %w", err)
	}
	return nil
}

// CompleteWorkflow marks a workflow done so the resumption sweep skips it.
func (db *DB) CompleteWorkflow(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE workflows SET status = 'done', completed_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete workflow: %w", err)
	}
	return nil
}

// SaveWorkflowStep persists one step's result. First write wins: a replayed
// step that races a prior write keeps the committed result, which is what
// makes step retries safe.
func (db *DB) SaveWorkflowStep(ctx context.Context, workflowID uuid.UUID, name string, result json.RawMessage) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_steps (workflow_id, step_name, result) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id, step_name) DO NOTHING`,
		workflowID, name, result,
	)
	if err != nil {
		return fmt.Errorf("storage: save workflow step: %w", err)
	}
	return nil
}

// LoadWorkflowSteps returns all persisted step results for a workflow,
// keyed by step name.
func (db *DB) LoadWorkflowSteps(ctx context.Context, workflowID uuid.UUID) (map[string]json.RawMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT step_name, result FROM workflow_steps WHERE workflow_id = $1`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load workflow steps: %w", err)
	}
	defer rows.Close()

	steps := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			name   string
			result json.RawMessage
		)
		if err := rows.Scan(&name, &result); err != nil {
			return nil, fmt.Errorf("storage: scan workflow step: %w", err)
		}
		steps[name] = result
	}
	return steps, rows.Err()
}

// ListPendingWorkflows returns workflows still marked running, oldest first.
// Called once at boot to resume work interrupted by a crash or deploy.
func (db *DB) ListPendingWorkflows(ctx context.Context) ([]PendingWorkflow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, payload FROM workflows WHERE status = 'running' ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending workflows: %w", err)
	}
	defer rows.Close()

	var pending []PendingWorkflow
	for rows.Next() {
		var p PendingWorkflow
		if err := rows.Scan(&p.ID, &p.Kind, &p.Payload); err != nil {
			return nil, fmt.Errorf("storage: scan pending workflow: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}
