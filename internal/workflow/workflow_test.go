package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/quorum/internal/testutil"
)

// fakeLog keeps workflows and steps in memory with first-write-wins steps.
type fakeLog struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]string
	completed map[uuid.UUID]bool
	steps     map[uuid.UUID]map[string]json.RawMessage
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		workflows: map[uuid.UUID]string{},
		completed: map[uuid.UUID]bool{},
		steps:     map[uuid.UUID]map[string]json.RawMessage{},
	}
}

func (l *fakeLog) CreateWorkflow(_ context.Context, id uuid.UUID, kind string, _ json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.workflows[id]; !ok {
		l.workflows[id] = kind
	}
	return nil
}

func (l *fakeLog) CompleteWorkflow(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed[id] = true
	return nil
}

func (l *fakeLog) SaveWorkflowStep(_ context.Context, workflowID uuid.UUID, name string, result json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.steps[workflowID]
	if !ok {
		m = map[string]json.RawMessage{}
		l.steps[workflowID] = m
	}
	if _, ok := m[name]; !ok {
		m[name] = result
	}
	return nil
}

func (l *fakeLog) LoadWorkflowSteps(_ context.Context, workflowID uuid.UUID) (map[string]json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]json.RawMessage{}
	for k, v := range l.steps[workflowID] {
		out[k] = v
	}
	return out, nil
}

type stepResult struct {
	Value string `json:"value"`
}

func TestDoMemoizesWithinOneExecution(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()

	exec, err := Start(ctx, log, testutil.TestLogger(), uuid.New(), "test", nil)
	require.NoError(t, err)

	calls := 0
	fn := func(context.Context) (stepResult, error) {
		calls++
		return stepResult{Value: "first"}, nil
	}

	out, err := Do(ctx, exec, "step", fn)
	require.NoError(t, err)
	assert.Equal(t, "first", out.Value)

	// Second call under the same name replays the committed result.
	out, err = Do(ctx, exec, "step", func(context.Context) (stepResult, error) {
		calls++
		return stepResult{Value: "second"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "first", out.Value)
	assert.Equal(t, 1, calls)
}

func TestDoReplaysAcrossResume(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	id := uuid.New()

	exec, err := Start(ctx, log, testutil.TestLogger(), id, "test", map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = Do(ctx, exec, "a", func(context.Context) (stepResult, error) {
		return stepResult{Value: "committed"}, nil
	})
	require.NoError(t, err)

	// Simulate a crash: a fresh Execution over the same log.
	resumed, err := Resume(ctx, log, testutil.TestLogger(), id)
	require.NoError(t, err)

	out, err := Do(ctx, resumed, "a", func(context.Context) (stepResult, error) {
		t.Fatal("committed step must not re-execute")
		return stepResult{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "committed", out.Value)

	// An uncommitted step still runs.
	out, err = Do(ctx, resumed, "b", func(context.Context) (stepResult, error) {
		return stepResult{Value: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", out.Value)
}

func TestDoErrorNotPersisted(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()

	exec, err := Start(ctx, log, testutil.TestLogger(), uuid.New(), "test", nil)
	require.NoError(t, err)

	boom := errors.New("transient")
	_, err = Do(ctx, exec, "step", func(context.Context) (stepResult, error) {
		return stepResult{}, boom
	})
	assert.ErrorIs(t, err, boom)

	// The failed attempt left no record, so a retry executes.
	out, err := Do(ctx, exec, "step", func(context.Context) (stepResult, error) {
		return stepResult{Value: "retried"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "retried", out.Value)
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	id := uuid.New()

	exec, err := Start(ctx, log, testutil.TestLogger(), id, "test", nil)
	require.NoError(t, err)
	_, err = Do(ctx, exec, "step", func(context.Context) (stepResult, error) {
		return stepResult{Value: "once"}, nil
	})
	require.NoError(t, err)

	// A retried Start for the same id sees the prior step log.
	again, err := Start(ctx, log, testutil.TestLogger(), id, "test", nil)
	require.NoError(t, err)
	out, err := Do(ctx, again, "step", func(context.Context) (stepResult, error) {
		return stepResult{Value: "twice"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "once", out.Value)

	require.NoError(t, again.Complete(ctx))
	assert.True(t, log.completed[id])
}
