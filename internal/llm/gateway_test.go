package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"chatpad/internal/config"
	"chatpad/internal/models"

	"go.uber.org/zap"
)

func TestMockGatewayDeterministic(t *testing.T) {
	gw := &MockGateway{}
	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "an answer"},
		{Role: models.RoleUser, Content: "second question"},
	}

	first, err := gw.Complete(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	second, err := gw.Complete(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if first != second {
		t.Fatalf("mock reply not deterministic: %q vs %q", first, second)
	}
	if !strings.Contains(first, "second question") {
		t.Errorf("mock reply should echo the last user message, got %q", first)
	}
	if !strings.Contains(first, "[mock backend reply]") {
		t.Errorf("mock reply should be clearly labeled, got %q", first)
	}
}

func TestMockGatewayEmptyHistory(t *testing.T) {
	gw := &MockGateway{}
	reply, err := gw.Complete(context.Background(), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !strings.Contains(reply, "[mock backend reply]") {
		t.Errorf("unexpected reply for empty history: %q", reply)
	}
}

func TestNewSelectsVariantFromConfig(t *testing.T) {
	logger := zap.NewNop()

	cfg := &config.Config{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gpt-4o-mini",
		LLMTimeout: time.Minute,
	}
	gw, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := gw.(*MockGateway); !ok {
		t.Fatalf("expected MockGateway without an API key, got %T", gw)
	}

	cfg.APIKey = "test-key"
	gw, err = New(cfg, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := gw.(*OpenAIGateway); !ok {
		t.Fatalf("expected OpenAIGateway with an API key, got %T", gw)
	}
}
