package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quorumlabs/quorum/internal/model"
)

// ErrRunExists is returned when a debate run already exists for a master message.
var ErrRunExists = errors.New("storage: debate run already exists for master message")

// CreateRun inserts a new debate run with all participant entries.
// Uniqueness on master_message_id is enforced by index; a duplicate insert
// returns ErrRunExists.
func (db *DB) CreateRun(ctx context.Context, run model.DebateRun) (model.DebateRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if err := run.Validate(); err != nil {
		return model.DebateRun{}, fmt.Errorf("storage: create run: %w", err)
	}

	allRuns, err := json.Marshal(run.AllRuns)
	if err != nil {
		return model.DebateRun{}, fmt.Errorf("storage: marshal model runs: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO debate_runs (id, user_id, master_message_id, master_thread_id, master_model_id, all_runs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.UserID, run.MasterMessageID, run.MasterThreadID,
		string(run.MasterModelID), allRuns, run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.DebateRun{}, ErrRunExists
		}
		return model.DebateRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRunByMasterMessage retrieves the run created for a master message.
func (db *DB) GetRunByMasterMessage(ctx context.Context, masterMessageID uuid.UUID) (model.DebateRun, error) {
	return db.scanRunRow(db.pool.QueryRow(ctx,
		`SELECT id, user_id, master_message_id, master_thread_id, master_model_id, all_runs, summary, created_at
		 FROM debate_runs WHERE master_message_id = $1`, masterMessageID,
	))
}

// GetLatestRunByThread retrieves the most recently created run for a master thread.
func (db *DB) GetLatestRunByThread(ctx context.Context, masterThreadID uuid.UUID) (model.DebateRun, error) {
	return db.scanRunRow(db.pool.QueryRow(ctx,
		`SELECT id, user_id, master_message_id, master_thread_id, master_model_id, all_runs, summary, created_at
		 FROM debate_runs WHERE master_thread_id = $1
		 ORDER BY created_at DESC LIMIT 1`, masterThreadID,
	))
}

// StatusUpdate is a partial patch for one ModelRun entry.
type StatusUpdate struct {
	Status                 model.ModelRunStatus
	InitialPromptMessageID *uuid.UUID
	DebatePromptMessageID  *uuid.UUID
	ErrorMessage           *string
}

// UpdateRunStatus patches exactly one ModelRun entry, identified by threadID,
// inside the run for masterMessageID. The patch is idempotent and forward-only:
// illegal transitions (anything out of complete or error, or backwards) are
// dropped, and a missing run is a no-op. The row is locked for the read-modify-
// write so concurrent per-model completions cannot clobber each other.
func (db *DB) UpdateRunStatus(ctx context.Context, masterMessageID, threadID uuid.UUID, update StatusUpdate) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin status update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		runID   uuid.UUID
		rawRuns []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT id, all_runs FROM debate_runs WHERE master_message_id = $1 FOR UPDATE`,
		masterMessageID,
	).Scan(&runID, &rawRuns)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil // run missing: no-op by contract
	}
	if err != nil {
		return fmt.Errorf("storage: lock run for status update: %w", err)
	}

	var allRuns []model.ModelRun
	if err := json.Unmarshal(rawRuns, &allRuns); err != nil {
		return fmt.Errorf("storage: unmarshal model runs: %w", err)
	}

	patched := false
	for i := range allRuns {
		if allRuns[i].ThreadID != threadID {
			continue
		}
		if !allRuns[i].Status.CanTransition(update.Status) {
			db.logger.Warn("storage: dropping illegal status transition",
				"run_id", runID, "thread_id", threadID,
				"from", allRuns[i].Status, "to", update.Status)
			return nil
		}
		allRuns[i].Status = update.Status
		if update.InitialPromptMessageID != nil {
			allRuns[i].InitialPromptMessageID = update.InitialPromptMessageID
		}
		if update.DebatePromptMessageID != nil {
			allRuns[i].DebatePromptMessageID = update.DebatePromptMessageID
		}
		if update.ErrorMessage != nil {
			allRuns[i].ErrorMessage = update.ErrorMessage
		}
		patched = true
		break
	}
	if !patched {
		return nil // thread not part of this run: no-op
	}

	raw, err := json.Marshal(allRuns)
	if err != nil {
		return fmt.Errorf("storage: marshal patched runs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE debate_runs SET all_runs = $1 WHERE id = $2`, raw, runID,
	); err != nil {
		return fmt.Errorf("storage: write status update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit status update: %w", err)
	}
	return nil
}

// AttachSummary stores the structured summary on the most recently created
// run for masterThreadID.
func (db *DB) AttachSummary(ctx context.Context, masterThreadID uuid.UUID, summary model.StructuredSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("storage: marshal summary: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE debate_runs SET summary = $1
		 WHERE id = (
		     SELECT id FROM debate_runs WHERE master_thread_id = $2
		     ORDER BY created_at DESC LIMIT 1
		 )`,
		raw, masterThreadID,
	)
	if err != nil {
		return fmt.Errorf("storage: attach summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) scanRunRow(row pgx.Row) (model.DebateRun, error) {
	var (
		run        model.DebateRun
		masterID   string
		rawRuns    []byte
		rawSummary []byte
	)
	err := row.Scan(
		&run.ID, &run.UserID, &run.MasterMessageID, &run.MasterThreadID,
		&masterID, &rawRuns, &rawSummary, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DebateRun{}, ErrNotFound
	}
	if err != nil {
		return model.DebateRun{}, fmt.Errorf("storage: scan run: %w", err)
	}
	run.MasterModelID = model.ModelID(masterID)
	if err := json.Unmarshal(rawRuns, &run.AllRuns); err != nil {
		return model.DebateRun{}, fmt.Errorf("storage: unmarshal model runs: %w", err)
	}
	if len(rawSummary) > 0 {
		var s model.StructuredSummary
		if err := json.Unmarshal(rawSummary, &s); err != nil {
			return model.DebateRun{}, fmt.Errorf("storage: unmarshal summary: %w", err)
		}
		run.Summary = &s
	}
	return run, nil
}
