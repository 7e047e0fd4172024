package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatpad/internal/config"
	"chatpad/internal/models"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// ErrGateway wraps any failure of the external completion call: network
// errors, non-success status, timeout, or a malformed response body.
var ErrGateway = errors.New("llm gateway error")

// Gateway produces a completion for an ordered message list. Implementations
// must not retry; the orchestrator makes at most one call per turn.
type Gateway interface {
	Complete(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// New selects the gateway variant once at startup: the real client when an
// API key is configured, the mock otherwise.
func New(cfg *config.Config, logger *zap.Logger) (Gateway, error) {
	if cfg.APIKey == "" {
		logger.Info("no LLM_API_KEY configured, using mock gateway")
		return &MockGateway{}, nil
	}

	client, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("using OpenAI-compatible gateway",
		zap.String("baseURL", cfg.BaseURL),
		zap.String("model", cfg.Model))

	return &OpenAIGateway{llm: client, timeout: cfg.LLMTimeout}, nil
}

// OpenAIGateway sends the message list verbatim to an OpenAI-compatible
// chat-completions endpoint and returns the first choice's text.
type OpenAIGateway struct {
	llm     llms.Model
	timeout time.Duration
}

func (g *OpenAIGateway) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		var role llms.ChatMessageType
		switch msg.Role {
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, msg.Content))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.llm.GenerateContent(ctx, content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response contained no choices", ErrGateway)
	}
	return resp.Choices[0].Content, nil
}

// MockGateway is the degraded mode used when no credential is configured. It
// returns a fixed, clearly-labeled reply echoing the last user message, and
// never fails.
type MockGateway struct{}

func (g *MockGateway) Complete(_ context.Context, messages []models.ChatMessage) (string, error) {
	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			lastUser = messages[i].Content
			break
		}
	}
	return fmt.Sprintf("[mock backend reply] Set LLM_API_KEY to call a real model. Last user message: %s", lastUser), nil
}
