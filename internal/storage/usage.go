package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quorumlabs/quorum/internal/model"
)

var (
	// ErrBudgetExceeded is returned by AuthorizeBudget when a reservation
	// would push the user past the weekly limit.
	ErrBudgetExceeded = errors.New("storage: weekly budget exceeded")
	// ErrReUpAlreadyUsed is returned when the tracked period's re-up is consumed.
	ErrReUpAlreadyUsed = errors.New("storage: re-up already used this period")
)

// InsertUsageEvent appends an immutable ledger event and atomically updates
// the user's weekly aggregate in the same transaction. Reservations are not
// touched here: a run records several events against one reservation, and
// the caller returns it through ReleaseReservation when the run finishes.
func (db *DB) InsertUsageEvent(ctx context.Context, event model.UsageEvent) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.insertUsageEvent(ctx, event)
	})
}

func (db *DB) insertUsageEvent(ctx context.Context, event model.UsageEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin usage insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}

	requests := int64(0)
	if event.Kind == model.EventKindUsage {
		requests = 1
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO weekly_usage (user_id, week_start, total_cents, reserved_cents,
		                           prompt_tokens, completion_tokens, reasoning_tokens, requests, last_event_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, week_start) DO UPDATE SET
		     total_cents       = weekly_usage.total_cents + EXCLUDED.total_cents,
		     prompt_tokens     = weekly_usage.prompt_tokens + EXCLUDED.prompt_tokens,
		     completion_tokens = weekly_usage.completion_tokens + EXCLUDED.completion_tokens,
		     reasoning_tokens  = weekly_usage.reasoning_tokens + EXCLUDED.reasoning_tokens,
		     requests          = weekly_usage.requests + EXCLUDED.requests,
		     last_event_at     = EXCLUDED.last_event_at`,
		event.UserID, event.WeekStart, event.TotalCents,
		event.PromptTokens, event.CompletionTokens, event.ReasoningTokens,
		requests, event.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert weekly usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit usage insert: %w", err)
	}
	return nil
}

// GetWeeklyUsage returns the aggregate for (userID, weekStart). A missing row
// is a zeroed aggregate, not an error: the week simply has no spend yet.
func (db *DB) GetWeeklyUsage(ctx context.Context, userID uuid.UUID, weekStart time.Time) (model.WeeklyUsage, error) {
	u := model.WeeklyUsage{UserID: userID, WeekStart: weekStart}
	err := db.pool.QueryRow(ctx,
		`SELECT total_cents, reserved_cents, prompt_tokens, completion_tokens, reasoning_tokens, requests, last_event_at
		 FROM weekly_usage WHERE user_id = $1 AND week_start = $2`,
		userID, weekStart,
	).Scan(&u.TotalCents, &u.ReservedCents, &u.PromptTokens, &u.CompletionTokens,
		&u.ReasoningTokens, &u.Requests, &u.LastEventAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return model.WeeklyUsage{}, fmt.Errorf("storage: get weekly usage: %w", err)
	}
	return u, nil
}

// AuthorizeBudget performs the serialized budget check-and-reserve: it
// upserts and row-locks the weekly aggregate, verifies
// spent + reserved + estimate <= limit, and records the reservation.
// Concurrent sends by the same user serialize on the row lock, so two
// requests can never both pass the check on stale totals.
func (db *DB) AuthorizeBudget(ctx context.Context, userID uuid.UUID, weekStart time.Time, estimateCents, limitCents int64) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.authorizeBudget(ctx, userID, weekStart, estimateCents, limitCents)
	})
}

func (db *DB) authorizeBudget(ctx context.Context, userID uuid.UUID, weekStart time.Time, estimateCents, limitCents int64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin authorize: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var spent, reserved int64
	err = tx.QueryRow(ctx,
		`INSERT INTO weekly_usage (user_id, week_start)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id, week_start) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING total_cents, reserved_cents`,
		userID, weekStart,
	).Scan(&spent, &reserved)
	if err != nil {
		return fmt.Errorf("storage: lock weekly usage: %w", err)
	}

	if spent+reserved+estimateCents > limitCents {
		return fmt.Errorf("%w: spent %d + reserved %d + estimate %d > limit %d cents",
			ErrBudgetExceeded, spent, reserved, estimateCents, limitCents)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE weekly_usage SET reserved_cents = reserved_cents + $1
		 WHERE user_id = $2 AND week_start = $3`,
		estimateCents, userID, weekStart,
	); err != nil {
		return fmt.Errorf("storage: record reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit authorize: %w", err)
	}
	return nil
}

// ReleaseReservation returns reserved cents to the weekly aggregate once the
// run that took them finishes, successfully or not.
func (db *DB) ReleaseReservation(ctx context.Context, userID uuid.UUID, weekStart time.Time, cents int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE weekly_usage SET reserved_cents = GREATEST(0, reserved_cents - $1)
		 WHERE user_id = $2 AND week_start = $3`,
		cents, userID, weekStart,
	)
	if err != nil {
		return fmt.Errorf("storage: release reservation: %w", err)
	}
	return nil
}

// ReUp consumes the tracked period's single re-up and resets the current
// week's aggregate to zero via a compensating negative ledger event. History
// is never mutated. Returns the compensated amount in cents (zero when the
// week had no spend; the re-up is still consumed).
func (db *DB) ReUp(ctx context.Context, userID uuid.UUID, periodKey string, weekStart time.Time, buildEvent func(totalCents int64) model.UsageEvent) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin reup: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO reup_records (user_id, period_key) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		userID, periodKey,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: record reup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrReUpAlreadyUsed
	}

	var total int64
	err = tx.QueryRow(ctx,
		`SELECT total_cents FROM weekly_usage
		 WHERE user_id = $1 AND week_start = $2 FOR UPDATE`,
		userID, weekStart,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		total = 0
	} else if err != nil {
		return 0, fmt.Errorf("storage: lock weekly usage for reup: %w", err)
	}

	if total != 0 {
		event := buildEvent(total)
		if err := insertEventTx(ctx, tx, event); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE weekly_usage SET
			     total_cents = 0, prompt_tokens = 0, completion_tokens = 0,
			     reasoning_tokens = 0, last_event_at = $1
			 WHERE user_id = $2 AND week_start = $3`,
			event.CreatedAt, userID, weekStart,
		); err != nil {
			return 0, fmt.Errorf("storage: reset weekly usage: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit reup: %w", err)
	}
	return total, nil
}

// ListUsageEvents returns a user's ledger events for one week, oldest first.
func (db *DB) ListUsageEvents(ctx context.Context, userID uuid.UUID, weekStart time.Time) ([]model.UsageEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, model_id, provider, prompt_tokens, completion_tokens, reasoning_tokens,
		        input_cents, output_cents, total_cents, kind, week_start, month_start, created_at
		 FROM usage_events WHERE user_id = $1 AND week_start = $2
		 ORDER BY created_at ASC`,
		userID, weekStart,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage events: %w", err)
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var e model.UsageEvent
		var modelID, prov, kind string
		if err := rows.Scan(&e.ID, &e.UserID, &modelID, &prov, &e.PromptTokens, &e.CompletionTokens,
			&e.ReasoningTokens, &e.InputCents, &e.OutputCents, &e.TotalCents, &kind,
			&e.WeekStart, &e.MonthStart, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan usage event: %w", err)
		}
		e.ModelID = model.ModelID(modelID)
		e.Provider = model.Provider(prov)
		e.Kind = model.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertEventTx(ctx context.Context, tx pgx.Tx, event model.UsageEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO usage_events (id, user_id, model_id, provider, prompt_tokens, completion_tokens,
		                           reasoning_tokens, input_cents, output_cents, total_cents, kind,
		                           week_start, month_start, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		event.ID, event.UserID, string(event.ModelID), string(event.Provider),
		event.PromptTokens, event.CompletionTokens, event.ReasoningTokens,
		event.InputCents, event.OutputCents, event.TotalCents, string(event.Kind),
		event.WeekStart, event.MonthStart, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert usage event: %w", err)
	}
	return nil
}
