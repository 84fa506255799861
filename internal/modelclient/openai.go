package modelclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quorumlabs/quorum/internal/model"
)

// OpenAIClient talks to an OpenAI-compatible gateway that routes the full
// model catalog (OpenAI, Anthropic, Google, DeepSeek behind one chat
// completions endpoint). Model ids pass through unchanged.
type OpenAIClient struct {
	client  *openai.Client
	timeout time.Duration
	logger  *slog.Logger
}

// OpenAIConfig configures the gateway connection.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewOpenAIClient creates a gateway-backed client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("modelclient: api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Generate sends the message history as a chat completion request.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := model.ValidateModelID(req.ModelID); err != nil {
		return nil, fmt.Errorf("modelclient: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("modelclient: empty message history")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:    string(req.ModelID),
		Messages: toChatMessages(req.Messages),
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: req.Schema,
				Strict: true,
			},
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("modelclient: %s: %w", req.ModelID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("modelclient: %s: empty response", req.ModelID)
	}

	usage := Usage{
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}
	if details := resp.Usage.CompletionTokensDetails; details != nil {
		usage.ReasoningTokens = int64(details.ReasoningTokens)
		// Completion count from the gateway includes reasoning; split them
		// out so each bills under its own column.
		if usage.CompletionTokens >= usage.ReasoningTokens {
			usage.CompletionTokens -= usage.ReasoningTokens
		}
	}

	c.logger.Debug("modelclient: completion",
		"model", req.ModelID,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"reasoning_tokens", usage.ReasoningTokens,
		"elapsed", time.Since(start),
	)
	return &Response{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}

func toChatMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		content := m.Content
		for _, fp := range m.FileParts {
			content += fmt.Sprintf("\n\n[attached file: %s (%s)]", fp.Name, fp.MimeType)
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return out
}
