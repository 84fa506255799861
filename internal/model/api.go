package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxPromptLen caps the user prompt so a single oversized request cannot
// fill Postgres TEXT columns or blow per-call token limits.
const MaxPromptLen = 64 * 1024 // 64 KB

// APIResponse is the standard success response envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
)

// StartDebateRequest is the request body for POST /v1/debates.
type StartDebateRequest struct {
	UserID            uuid.UUID   `json:"-"` // Set from JWT claims, not from request body.
	MasterThreadID    uuid.UUID   `json:"master_thread_id"`
	MasterMessageID   uuid.UUID   `json:"master_message_id"`
	Prompt            string      `json:"prompt"`
	MasterModelID     ModelID     `json:"master_model_id"`
	SecondaryModelIDs []ModelID   `json:"secondary_model_ids,omitempty"`
	FileIDs           []uuid.UUID `json:"file_ids,omitempty"`
}

// Validate checks request fields against the catalog and run invariants.
func (r StartDebateRequest) Validate() error {
	if r.MasterThreadID == uuid.Nil || r.MasterMessageID == uuid.Nil {
		return fmt.Errorf("model: master thread and message ids are required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("model: prompt is required")
	}
	if len(r.Prompt) > MaxPromptLen {
		return fmt.Errorf("model: prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if err := ValidateModelID(r.MasterModelID); err != nil {
		return err
	}
	if len(r.SecondaryModelIDs) > MaxSecondaries {
		return fmt.Errorf("model: at most %d secondary models allowed, got %d", MaxSecondaries, len(r.SecondaryModelIDs))
	}
	for _, id := range r.SecondaryModelIDs {
		if err := ValidateModelID(id); err != nil {
			return err
		}
	}
	return nil
}

// Participants returns the deduplicated participant list, master first.
func (r StartDebateRequest) Participants() []ModelID {
	out := []ModelID{r.MasterModelID}
	seen := map[ModelID]bool{r.MasterModelID: true}
	for _, id := range r.SecondaryModelIDs {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// StartDebateResponse is the response body for POST /v1/debates.
type StartDebateResponse struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	RunID      uuid.UUID `json:"run_id"`
}

// ReUpResponse is the response body for POST /v1/usage/reup.
type ReUpResponse struct {
	Applied        bool   `json:"applied"`
	NothingToReset bool   `json:"nothing_to_reset,omitempty"`
	PeriodKey      string `json:"period_key"`
	AmountCents    int64  `json:"amount_cents"`
}
