// Package modelclient abstracts language model invocation behind a single
// Client interface so the orchestrator never talks to a vendor SDK directly.
package modelclient

import (
	"context"
	"encoding/json"

	"github.com/quorumlabs/quorum/internal/model"
)

// Usage is the token accounting reported by one invocation. Reasoning tokens
// are reported separately because they bill at the output rate.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// Request is one generation call: the full message history of a thread plus
// an optional JSON schema constraining the response shape.
type Request struct {
	ModelID  model.ModelID
	Messages []model.Message

	// SchemaName and Schema, when set, force schema-constrained JSON output.
	SchemaName string
	Schema     json.RawMessage
}

// Response is the generated text plus its usage.
type Response struct {
	Text  string
	Usage Usage
}

// Client generates a completion for a message history. Implementations must
// be safe for concurrent use; the orchestrator fans out across models.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
