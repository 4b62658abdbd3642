package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pdfchat/internal/app"
	"pdfchat/internal/model"
	"pdfchat/internal/transport/http/response"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type Chat interface {
	CreateSession(ctx context.Context, input app.CreateSessionInput) (*model.ChatSession, error)
	ListSessions(ctx context.Context, userID, documentID uint) ([]model.ChatSession, error)
	DeleteSession(ctx context.Context, userID, sessionID uint) error
	GetHistory(ctx context.Context, userID, sessionID uint, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, input app.SendMessageInput) (*app.Turn, error)
	Export(ctx context.Context, userID, sessionID uint) (string, error)
}

type SessionHandler struct {
	chat Chat
}

type CreateSessionRequest struct {
	DocumentID uint   `json:"document_id"`
	Name       string `json:"name" binding:"max=128"`
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func NewSessionHandler(chat Chat) *SessionHandler {
	return &SessionHandler{chat: chat}
}

func (h *SessionHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	session, err := h.chat.CreateSession(c.Request.Context(), app.CreateSessionInput{
		UserID:     userID,
		DocumentID: req.DocumentID,
		Name:       req.Name,
	})
	if err != nil {
		writeError(c, err, "create session failed")
		return
	}
	response.OK(c, session)
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	documentID, ok := queryID(c, "document_id")
	if !ok {
		return
	}
	sessions, err := h.chat.ListSessions(c.Request.Context(), userID, documentID)
	if err != nil {
		writeError(c, err, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

func (h *SessionHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.chat.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		writeError(c, err, "delete session failed")
		return
	}
	response.OK(c, gin.H{"id": sessionID})
}

func (h *SessionHandler) History(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid limit")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}
	messages, err := h.chat.GetHistory(c.Request.Context(), userID, sessionID, limit)
	if err != nil {
		writeError(c, err, "get history failed")
		return
	}
	response.OK(c, messages)
}

// SendMessage answers with the turn. A failed generation still returns the
// turn so the client sees the persisted user message.
func (h *SessionHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeMessageEmpty, "content is required")
		return
	}

	turn, err := h.chat.SendMessage(c.Request.Context(), app.SendMessageInput{
		UserID:    userID,
		SessionID: sessionID,
		Content:   req.Content,
	})
	if err != nil {
		if turn != nil && errors.Is(err, app.ErrGenerationFailure) {
			response.ErrorWithData(c, http.StatusBadGateway, response.CodeGenerationFailed, err.Error(), turn)
			return
		}
		writeError(c, err, "send message failed")
		return
	}
	response.OK(c, turn)
}

func (h *SessionHandler) Export(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "id")
	if !ok {
		return
	}
	markdown, err := h.chat.Export(c.Request.Context(), userID, sessionID)
	if err != nil {
		writeError(c, err, "export session failed")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="session-%d.md"`, sessionID))
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(markdown))
}
