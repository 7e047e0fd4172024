package api

import (
	"errors"
	"net/http"
	"strconv"

	"chatpad/internal/chat"
	"chatpad/internal/db"
	"chatpad/internal/llm"
	"chatpad/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	db     *db.Database
	chat   *chat.Service
	logger *zap.Logger
}

func NewHandler(database *db.Database, chatService *chat.Service, logger *zap.Logger) *Handler {
	return &Handler{
		db:     database,
		chat:   chatService,
		logger: logger,
	}
}

// Register attaches all API routes to the router.
func (h *Handler) Register(router gin.IRouter) {
	api := router.Group("/api")
	{
		api.GET("/conversations", h.ListConversations)
		api.POST("/conversations", h.CreateConversation)
		api.PUT("/conversations/:id", h.UpdateConversation)
		api.DELETE("/conversations/:id", h.DeleteConversation)

		api.GET("/conversations/:id/messages", h.GetMessages)
		api.POST("/conversations/:id/messages", h.AppendMessage)
		api.PUT("/conversations/:id/messages", h.ReplaceMessages)

		api.POST("/conversations/:id/chat", h.SendTurn)
		api.POST("/conversations/:id/regenerate", h.Regenerate)

		api.POST("/chat", h.Chat)
	}
}

type CreateConversationRequest struct {
	Title        string `json:"title"`
	SystemPrompt string `json:"systemPrompt"`
}

type UpdateConversationRequest struct {
	Title        *string `json:"title"`
	SystemPrompt *string `json:"systemPrompt"`
}

type AppendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ReplaceMessagesRequest struct {
	Messages []models.ChatMessage `json:"messages"`
}

type SendTurnRequest struct {
	Content string `json:"content"`
}

type RegenerateRequest struct {
	Index *int `json:"index"`
}

type ChatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
}

func (h *Handler) ListConversations(c *gin.Context) {
	conversations, err := h.db.ListConversations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	conv, err := h.db.CreateConversation(c.Request.Context(), req.Title, req.SystemPrompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.db.UpdateConversation(c.Request.Context(), convID, req.Title, req.SystemPrompt); err != nil {
		h.fail(c, err)
		return
	}

	conv, err := h.db.GetConversation(c.Request.Context(), convID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	if err := h.db.DeleteConversation(c.Request.Context(), convID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetMessages(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	messages, err := h.db.ListMessages(c.Request.Context(), convID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) AppendMessage(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	var req AppendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !storableRole(req.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}

	msg, err := h.db.AppendMessage(c.Request.Context(), convID, req.Role, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) ReplaceMessages(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	var req ReplaceMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for _, msg := range req.Messages {
		if !storableRole(msg.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role in messages"})
			return
		}
	}

	if err := h.db.ReplaceMessages(c.Request.Context(), convID, req.Messages); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) SendTurn(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	var req SendTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, err := h.chat.SendTurn(c.Request.Context(), convID, req.Content)
	if err != nil {
		// The failed turn is already recorded in the transcript; pass the
		// stored error message along so the UI can render it.
		if errors.Is(err, llm.ErrGateway) && msg != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "message": msg})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) Regenerate(c *gin.Context) {
	convID, ok := h.convID(c)
	if !ok {
		return
	}

	var req RegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Index == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index is required"})
		return
	}

	msg, err := h.chat.RegenerateFrom(c.Request.Context(), convID, *req.Index)
	if err != nil {
		if errors.Is(err, llm.ErrGateway) && msg != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "message": msg})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Chat proxies a raw message list to the gateway; nothing is persisted.
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for _, msg := range req.Messages {
		if !models.ValidRole(msg.Role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role in messages"})
			return
		}
	}

	reply, err := h.chat.Completion(c.Request.Context(), req.Messages)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (h *Handler) convID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, llm.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// storableRole reports whether role may be persisted. The system role is
// synthesized from the conversation's system prompt at call time and is never
// stored as a message.
func storableRole(role string) bool {
	return role == models.RoleUser || role == models.RoleAssistant
}
