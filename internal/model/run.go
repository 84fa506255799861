package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ModelRunStatus is the lifecycle state of one model's participation in a
// debate run. Transitions only move forward:
//
//	initial → debate → complete
//
// with error reachable from initial or debate. complete and error are terminal.
type ModelRunStatus string

const (
	ModelRunInitial  ModelRunStatus = "initial"
	ModelRunDebate   ModelRunStatus = "debate"
	ModelRunComplete ModelRunStatus = "complete"
	ModelRunError    ModelRunStatus = "error"
)

// CanTransition reports whether moving from s to next is legal.
// Re-entering the same non-terminal state is allowed (idempotent updates).
func (s ModelRunStatus) CanTransition(next ModelRunStatus) bool {
	switch s {
	case ModelRunInitial:
		return next == ModelRunInitial || next == ModelRunDebate || next == ModelRunError
	case ModelRunDebate:
		return next == ModelRunDebate || next == ModelRunComplete || next == ModelRunError
	default:
		return false
	}
}

// ModelRun is one model's slice of a debate run. The {ModelID, ThreadID} pair
// is immutable after creation; only status, prompt ids and the error message
// mutate.
type ModelRun struct {
	ModelID                ModelID        `json:"model_id"`
	ThreadID               uuid.UUID      `json:"thread_id"`
	IsMaster               bool           `json:"is_master"`
	Status                 ModelRunStatus `json:"status"`
	InitialPromptMessageID *uuid.UUID     `json:"initial_prompt_message_id,omitempty"`
	DebatePromptMessageID  *uuid.UUID     `json:"debate_prompt_message_id,omitempty"`
	ErrorMessage           *string        `json:"error_message,omitempty"`
}

// DebateRun is the persisted record of one debate invocation. Never deleted;
// it is the audit trail even after its secondary threads are garbage-collected.
type DebateRun struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"user_id"`
	MasterMessageID uuid.UUID          `json:"master_message_id"`
	MasterThreadID  uuid.UUID          `json:"master_thread_id"`
	MasterModelID   ModelID            `json:"master_model_id"`
	AllRuns         []ModelRun         `json:"all_runs"`
	Summary         *StructuredSummary `json:"summary,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// MaxSecondaries caps the number of peer models per run.
const MaxSecondaries = 2

// Validate enforces the run invariants: 1–3 participants, exactly one master,
// master at index 0, no duplicate models or threads.
func (r DebateRun) Validate() error {
	if n := len(r.AllRuns); n < 1 || n > 1+MaxSecondaries {
		return fmt.Errorf("model: run must have 1-%d participants, got %d", 1+MaxSecondaries, n)
	}
	masters := 0
	models := make(map[ModelID]bool, len(r.AllRuns))
	threads := make(map[uuid.UUID]bool, len(r.AllRuns))
	for i, mr := range r.AllRuns {
		if mr.IsMaster {
			masters++
			if i != 0 {
				return fmt.Errorf("model: master must be at index 0, found at %d", i)
			}
			if mr.ModelID != r.MasterModelID {
				return fmt.Errorf("model: master entry %q does not match run master %q", mr.ModelID, r.MasterModelID)
			}
		}
		if models[mr.ModelID] {
			return fmt.Errorf("model: duplicate model %q in run", mr.ModelID)
		}
		if threads[mr.ThreadID] {
			return fmt.Errorf("model: duplicate thread %s in run", mr.ThreadID)
		}
		models[mr.ModelID] = true
		threads[mr.ThreadID] = true
	}
	if masters != 1 {
		return fmt.Errorf("model: run must have exactly one master, got %d", masters)
	}
	return nil
}

// RunByThread returns the index of the ModelRun owning threadID, or -1.
func (r DebateRun) RunByThread(threadID uuid.UUID) int {
	for i, mr := range r.AllRuns {
		if mr.ThreadID == threadID {
			return i
		}
	}
	return -1
}

// StructuredSummary is the schema-constrained cross-model analysis produced
// by the summary model after round 2.
type StructuredSummary struct {
	Overview      string         `json:"overview"`
	Agreements    []string       `json:"agreements"`
	Disagreements []string       `json:"disagreements"`
	Convergence   string         `json:"convergence"`
	ModelEntries  []SummaryEntry `json:"model_entries"`
}

// SummaryEntry captures one model's trajectory across the two rounds.
type SummaryEntry struct {
	ModelID         ModelID  `json:"model_id"`
	ChangedPosition bool     `json:"changed_position"`
	KeyPoints       []string `json:"key_points"`
}
