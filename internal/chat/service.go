package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chatpad/internal/db"
	"chatpad/internal/llm"
	"chatpad/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidRequest is returned for a regenerate target that does not
// reference an assistant message.
var ErrInvalidRequest = errors.New("invalid request")

const (
	titleMaxRunes    = 40
	placeholderTitle = "New conversation"
)

// Service orchestrates chat turns: it reads conversation state, assembles
// the model-visible message list, calls the gateway, and writes replies back
// through the store.
type Service struct {
	store   *db.Database
	gateway llm.Gateway
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewService(store *db.Database, gateway llm.Gateway, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// convLock returns the mutex serializing mutating operations for one
// conversation. Distinct conversations proceed in parallel.
func (s *Service) convLock(convID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[convID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[convID] = l
	}
	return l
}

// SendTurn executes one chat turn: append the user message, derive the title
// on the first user message, call the gateway against the full transcript,
// and persist the reply. On gateway failure the error is recorded as an
// assistant message so the transcript stays complete, and the failure is
// still returned to the caller.
func (s *Service) SendTurn(ctx context.Context, convID int64, userText string) (*models.Message, error) {
	lock := s.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AppendMessage(ctx, convID, models.RoleUser, userText); err != nil {
		return nil, err
	}

	if err := s.maybeDeriveTitle(ctx, conv, userText); err != nil {
		return nil, err
	}

	return s.generate(ctx, conv)
}

// RegenerateFrom discards the assistant message at index (0-based position
// in the stored transcript) and everything after it, then replays the turn
// against the truncated history. An index that does not name an assistant
// message fails before anything is truncated.
func (s *Service) RegenerateFrom(ctx context.Context, convID int64, index int) (*models.Message, error) {
	lock := s.convLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(msgs) {
		return nil, fmt.Errorf("%w: message index %d out of range", ErrInvalidRequest, index)
	}
	if msgs[index].Role != models.RoleAssistant {
		return nil, fmt.Errorf("%w: message at index %d is not an assistant message", ErrInvalidRequest, index)
	}

	if err := s.store.TruncateMessages(ctx, convID, index); err != nil {
		return nil, err
	}

	s.logger.Info("regenerating reply",
		zap.Int64("conversation_id", convID),
		zap.Int("kept_messages", index))

	return s.generate(ctx, conv)
}

// Completion proxies a raw message list straight to the gateway without
// touching storage.
func (s *Service) Completion(ctx context.Context, msgs []models.ChatMessage) (string, error) {
	return s.gateway.Complete(ctx, msgs)
}

// generate runs the gateway half of a turn: build the model-visible list,
// make one gateway call, persist the outcome as an assistant message.
func (s *Service) generate(ctx context.Context, conv *models.Conversation) (*models.Message, error) {
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	visible := make([]models.ChatMessage, 0, len(msgs)+1)
	if conv.SystemPrompt != "" {
		visible = append(visible, models.ChatMessage{Role: models.RoleSystem, Content: conv.SystemPrompt})
	}
	for _, msg := range msgs {
		visible = append(visible, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	reply, err := s.gateway.Complete(ctx, visible)
	if err != nil {
		s.logger.Error("gateway call failed",
			zap.Int64("conversation_id", conv.ID),
			zap.Error(err))

		// Record the failure in the transcript so the conversation remains
		// a complete replayable history, then surface the error.
		errMsg, appendErr := s.store.AppendMessage(ctx, conv.ID, models.RoleAssistant,
			fmt.Sprintf("[error] %v", err))
		if appendErr != nil {
			return nil, appendErr
		}
		return errMsg, err
	}

	return s.store.AppendMessage(ctx, conv.ID, models.RoleAssistant, reply)
}

// maybeDeriveTitle sets the conversation title from the first user message.
func (s *Service) maybeDeriveTitle(ctx context.Context, conv *models.Conversation, userText string) error {
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	users := 0
	for _, msg := range msgs {
		if msg.Role == models.RoleUser {
			users++
		}
	}
	if users != 1 {
		return nil
	}

	title := deriveTitle(userText)
	conv.Title = title
	return s.store.UpdateConversation(ctx, conv.ID, &title, nil)
}

// deriveTitle trims the text and keeps its first 40 characters, falling back
// to a placeholder when nothing is left.
func deriveTitle(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return placeholderTitle
	}
	runes := []rune(trimmed)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return trimmed
}
