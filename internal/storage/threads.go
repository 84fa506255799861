package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quorumlabs/quorum/internal/model"
)

// CreateThread inserts a new conversation thread.
func (db *DB) CreateThread(ctx context.Context, thread model.Thread) (model.Thread, error) {
	if thread.ID == uuid.Nil {
		thread.ID = uuid.New()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}

	var modelID *string
	if thread.ModelID != nil {
		s := string(*thread.ModelID)
		modelID = &s
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (id, user_id, model_id, title, ephemeral, active_generations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		thread.ID, thread.UserID, modelID, thread.Title, thread.Ephemeral,
		thread.ActiveGenerations, thread.CreatedAt,
	)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: create thread: %w", err)
	}
	return thread, nil
}

// GetThread retrieves a thread by id.
func (db *DB) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var (
		t       model.Thread
		modelID *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, model_id, title, ephemeral, active_generations, created_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &modelID, &t.Title, &t.Ephemeral, &t.ActiveGenerations, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Thread{}, ErrNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	if modelID != nil {
		m := model.ModelID(*modelID)
		t.ModelID = &m
	}
	return t, nil
}

// DeleteThread removes a thread and (via cascade) its messages.
// Used for ephemeral summary threads; deleting an absent thread is not an error.
func (db *DB) DeleteThread(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: delete thread: %w", err)
	}
	return nil
}

// SaveMessage appends a message to a thread.
func (db *DB) SaveMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var fileParts []byte
	if len(msg.FileParts) > 0 {
		var err error
		fileParts, err = json.Marshal(msg.FileParts)
		if err != nil {
			return model.Message{}, fmt.Errorf("storage: marshal file parts: %w", err)
		}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, hidden, file_parts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, msg.Hidden, fileParts, msg.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: save message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a thread's messages in order. When visibleOnly is set,
// hidden messages (synthesis instruction prompts) are filtered out.
func (db *DB) ListMessages(ctx context.Context, threadID uuid.UUID, visibleOnly bool) ([]model.Message, error) {
	query := `SELECT id, thread_id, role, content, hidden, file_parts, created_at
	          FROM messages WHERE thread_id = $1`
	if visibleOnly {
		query += ` AND NOT hidden`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m         model.Message
			role      string
			fileParts []byte
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.Hidden, &fileParts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Role = model.MessageRole(role)
		if len(fileParts) > 0 {
			if err := json.Unmarshal(fileParts, &m.FileParts); err != nil {
				return nil, fmt.Errorf("storage: unmarshal file parts: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddActiveGenerations adjusts a thread's active-generation counter by delta,
// clamped at zero. The counter drives client-side loading indicators, so the
// decrement must land even when the surrounding stage failed.
func (db *DB) AddActiveGenerations(ctx context.Context, threadID uuid.UUID, delta int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE threads SET active_generations = GREATEST(0, active_generations + $1) WHERE id = $2`,
		delta, threadID,
	)
	if err != nil {
		return fmt.Errorf("storage: adjust active generations: %w", err)
	}
	return nil
}
