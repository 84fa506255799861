package model

import (
	"time"

	"github.com/google/uuid"
)

// Thread is one conversation thread. Each participating model in a debate
// gets a private thread; ephemeral threads (summary scratch space) are
// deleted after use.
type Thread struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	ModelID           *ModelID  `json:"model_id,omitempty"`
	Title             string    `json:"title"`
	Ephemeral         bool      `json:"ephemeral"`
	ActiveGenerations int       `json:"active_generations"`
	CreatedAt         time.Time `json:"created_at"`
}

// MessageRole is the author role of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// FilePart references an uploaded attachment converted for a model.
type FilePart struct {
	FileID   uuid.UUID `json:"file_id"`
	Name     string    `json:"name"`
	MimeType string    `json:"mime_type"`
}

// Message is one message in a thread. Hidden messages (sentinel-prefixed
// synthesis prompts) are excluded from user-facing listings.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	ThreadID  uuid.UUID   `json:"thread_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Hidden    bool        `json:"hidden"`
	FileParts []FilePart  `json:"file_parts,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
