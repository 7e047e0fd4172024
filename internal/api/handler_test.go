package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"chatpad/internal/api"
	"chatpad/internal/chat"
	"chatpad/internal/db"
	"chatpad/internal/llm"
	"chatpad/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := zap.NewNop()
	chatService := chat.NewService(database, &llm.MockGateway{}, logger)
	handler := api.NewHandler(database, chatService, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.Register(router)
	return router
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func createConversation(t *testing.T, srv http.Handler, title, systemPrompt string) models.Conversation {
	t.Helper()

	w := doJSON(t, srv, http.MethodPost, "/api/conversations",
		map[string]string{"title": title, "systemPrompt": systemPrompt})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Conversation models.Conversation `json:"conversation"`
	}
	decode(t, w, &resp)
	return resp.Conversation
}

func listMessages(t *testing.T, srv http.Handler, convID int64) []models.Message {
	t.Helper()

	w := doJSON(t, srv, http.MethodGet, "/api/conversations/"+itoa(convID)+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, w, &resp)
	return resp.Messages
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t)

	conv := createConversation(t, srv, "My chat", "be brief")
	if conv.Title != "My chat" || conv.SystemPrompt != "be brief" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	w := doJSON(t, srv, http.MethodGet, "/api/conversations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listResp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decode(t, w, &listResp)
	if len(listResp.Conversations) != 1 || listResp.Conversations[0].ID != conv.ID {
		t.Fatalf("unexpected conversation list: %+v", listResp.Conversations)
	}

	w = doJSON(t, srv, http.MethodPut, "/api/conversations/"+itoa(conv.ID),
		map[string]string{"title": "Renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", w.Code, w.Body.String())
	}
	var updResp struct {
		Conversation models.Conversation `json:"conversation"`
	}
	decode(t, w, &updResp)
	if updResp.Conversation.Title != "Renamed" || updResp.Conversation.SystemPrompt != "be brief" {
		t.Fatalf("partial update broke fields: %+v", updResp.Conversation)
	}

	w = doJSON(t, srv, http.MethodPut, "/api/conversations/999",
		map[string]string{"title": "nope"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodDelete, "/api/conversations/"+itoa(conv.ID), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/api/conversations/"+itoa(conv.ID)+"/messages", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestEndToEndMockTurnAndRegenerate(t *testing.T) {
	srv := newTestServer(t)
	conv := createConversation(t, srv, "", "")

	w := doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/chat",
		map[string]string{"content": "Hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", w.Code, w.Body.String())
	}
	var turnResp struct {
		Message models.Message `json:"message"`
	}
	decode(t, w, &turnResp)
	if turnResp.Message.Role != models.RoleAssistant || !strings.Contains(turnResp.Message.Content, "[mock backend reply]") {
		t.Fatalf("unexpected turn reply: %+v", turnResp.Message)
	}

	msgs := listMessages(t, srv, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	oldReplyID := msgs[1].ID

	w = doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/regenerate",
		map[string]int{"index": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", w.Code, w.Body.String())
	}

	msgs = listMessages(t, srv, conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after regenerate, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "Hi" {
		t.Fatalf("user message lost: %+v", msgs[0])
	}
	if msgs[1].ID == oldReplyID {
		t.Fatalf("regenerate did not replace the assistant message")
	}
}

func TestRegenerateInvalidIndexLeavesTranscript(t *testing.T) {
	srv := newTestServer(t)
	conv := createConversation(t, srv, "", "")

	w := doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/chat",
		map[string]string{"content": "Hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	before := listMessages(t, srv, conv.ID)

	// Index 0 is the user message, not an assistant message.
	w = doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/regenerate",
		map[string]int{"index": 0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", w.Code, w.Body.String())
	}

	after := listMessages(t, srv, conv.ID)
	if len(after) != len(before) {
		t.Fatalf("invalid regenerate mutated transcript: %d -> %d", len(before), len(after))
	}

	// A missing index is rejected too.
	w = doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/regenerate",
		map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing index, got %d", w.Code)
	}
}

func TestAppendMessageRoleValidation(t *testing.T) {
	srv := newTestServer(t)
	conv := createConversation(t, srv, "", "")

	w := doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/messages",
		map[string]string{"role": "assistant", "content": "stored reply"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", w.Code, w.Body.String())
	}

	for _, role := range []string{"system", "tool", ""} {
		w = doJSON(t, srv, http.MethodPost, "/api/conversations/"+itoa(conv.ID)+"/messages",
			map[string]string{"role": role, "content": "x"})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("role %q: expected 400, got %d", role, w.Code)
		}
	}

	if msgs := listMessages(t, srv, conv.ID); len(msgs) != 1 {
		t.Fatalf("rejected appends must not persist, got %d messages", len(msgs))
	}
}

func TestReplaceMessagesBulk(t *testing.T) {
	srv := newTestServer(t)
	conv := createConversation(t, srv, "", "")

	w := doJSON(t, srv, http.MethodPut, "/api/conversations/"+itoa(conv.ID)+"/messages",
		map[string]any{"messages": []models.ChatMessage{
			{Role: "user", Content: "one"},
			{Role: "assistant", Content: "two"},
		}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", w.Code, w.Body.String())
	}

	msgs := listMessages(t, srv, conv.ID)
	if len(msgs) != 2 || msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	w = doJSON(t, srv, http.MethodPut, "/api/conversations/"+itoa(conv.ID)+"/messages",
		map[string]any{"messages": []models.ChatMessage{{Role: "system", Content: "nope"}}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for system role, got %d", w.Code)
	}
}

func TestStatelessChatProxy(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/chat",
		map[string]any{"messages": []models.ChatMessage{{Role: "user", Content: "ping"}}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Reply string `json:"reply"`
	}
	decode(t, w, &resp)
	if !strings.Contains(resp.Reply, "ping") || !strings.Contains(resp.Reply, "[mock backend reply]") {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}

	// Nothing was persisted.
	w = doJSON(t, srv, http.MethodGet, "/api/conversations", nil)
	var listResp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decode(t, w, &listResp)
	if len(listResp.Conversations) != 0 {
		t.Fatalf("stateless chat created conversations: %+v", listResp.Conversations)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/chat",
		map[string]any{"messages": []models.ChatMessage{{Role: "robot", Content: "x"}}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", w.Code)
	}
}
