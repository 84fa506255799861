// Package workflow provides durable, replayable execution on top of a
// Postgres step log.
//
// A workflow is a function over an Execution. Each side-effecting stage is
// wrapped in Do, which persists the stage's result under a step name. When a
// crashed workflow is replayed, completed stages return their persisted
// results without re-executing, so the function resumes from the first stage
// that never committed.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Log is the persistence surface for workflow state. *storage.DB implements it.
type Log interface {
	CreateWorkflow(ctx context.Context, id uuid.UUID, kind string, payload json.RawMessage) error
	CompleteWorkflow(ctx context.Context, id uuid.UUID) error
	SaveWorkflowStep(ctx context.Context, workflowID uuid.UUID, name string, result json.RawMessage) error
	LoadWorkflowSteps(ctx context.Context, workflowID uuid.UUID) (map[string]json.RawMessage, error)
}

// Execution is one running (or resuming) workflow instance. Not safe for
// concurrent Do calls with the same step name; concurrent calls with distinct
// names are fine.
type Execution struct {
	ID     uuid.UUID
	log    Log
	logger *slog.Logger

	mu   sync.Mutex
	memo map[string]json.RawMessage
}

// Start registers a new workflow and returns its Execution. If the id was
// already registered (a retried start), prior step results are loaded so the
// run replays instead of re-executing.
func Start(ctx context.Context, log Log, logger *slog.Logger, id uuid.UUID, kind string, payload any) (*Execution, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal payload: %w", err)
	}
	if err := log.CreateWorkflow(ctx, id, kind, raw); err != nil {
		return nil, err
	}
	return Resume(ctx, log, logger, id)
}

// Resume loads the step log for an existing workflow and returns an Execution
// that replays completed steps.
func Resume(ctx context.Context, log Log, logger *slog.Logger, id uuid.UUID) (*Execution, error) {
	memo, err := log.LoadWorkflowSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(memo) > 0 {
		logger.Info("workflow: resuming with persisted steps", "workflow_id", id, "steps", len(memo))
	}
	return &Execution{ID: id, log: log, logger: logger, memo: memo}, nil
}

// Complete marks the workflow finished. After this the boot sweep will not
// pick it up again.
func (e *Execution) Complete(ctx context.Context) error {
	return e.log.CompleteWorkflow(ctx, e.ID)
}

// Do runs fn under the given step name, exactly once per workflow. If the
// step already committed (this run or a previous incarnation), the persisted
// result is returned and fn is skipped. Errors from fn are not persisted:
// a failed step re-executes on the next attempt.
func Do[T any](ctx context.Context, e *Execution, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	e.mu.Lock()
	raw, done := e.memo[name]
	e.mu.Unlock()
	if done {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("workflow: replay step %q: %w", name, err)
		}
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("workflow: marshal step %q result: %w", name, err)
	}
	if err := e.log.SaveWorkflowStep(ctx, e.ID, name, encoded); err != nil {
		return zero, err
	}

	e.mu.Lock()
	// First write wins in the log; mirror that here so a racing duplicate
	// replays the committed value.
	if prior, ok := e.memo[name]; ok {
		encoded = prior
	} else {
		e.memo[name] = encoded
	}
	e.mu.Unlock()

	if err := json.Unmarshal(encoded, &out); err != nil {
		return zero, fmt.Errorf("workflow: reload step %q: %w", name, err)
	}
	return out, nil
}
