package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gopherrag/internal/cache"
	"gopherrag/internal/chat"
	"gopherrag/internal/transport/http/middleware"
	"gopherrag/internal/transport/http/response"
)

// ChatService answers chat messages.
type ChatService interface {
	Stream(ctx context.Context, req chat.StreamRequest) (<-chan chat.StreamEvent, error)
	Send(ctx context.Context, req chat.StreamRequest) (chat.Ticket, error)
	Cancel(userID, requestID string) bool
}

type ChatHandler struct {
	chat     ChatService
	entities *cache.Entities
}

type SendMessageRequest struct {
	Message     string `json:"message" binding:"required"`
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	RequestID   string `json:"request_id" binding:"max=64"`
}

func NewChatHandler(chatService ChatService, entities *cache.Entities) *ChatHandler {
	return &ChatHandler{chat: chatService, entities: entities}
}

// SendMessage schedules an answer and returns its request id. Chunks and the final answer
// arrive on the user's event room.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	ticket, err := h.chat.Send(c.Request.Context(), req)
	if err != nil {
		writeChatError(c, err)
		return
	}
	response.Accepted(c, ticket)
}

// StreamMessage answers over server-sent events. Each event is named after the chat event type
// and carries the JSON stream event. Closing the connection cancels generation.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	stream, err := h.chat.Stream(c.Request.Context(), req)
	if err != nil {
		writeChatError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for ev := range stream {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, writeErr := c.Writer.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); writeErr != nil {
			h.chat.Cancel(req.UserID, ev.RequestID)
			continue
		}
		flusher.Flush()
	}
}

func (h *ChatHandler) Cancel(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	requestID := c.Param("request_id")
	response.OK(c, gin.H{"request_id": requestID, "cancelled": h.chat.Cancel(userID, requestID)})
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	sessions, err := h.entities.Sessions.List(c.Request.Context(), cache.UserSessions(userID))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list sessions failed")
		return
	}
	response.OK(c, sessions)
}

func (h *ChatHandler) GetHistory(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	ctx := c.Request.Context()
	session, err := h.entities.Sessions.Get(ctx, c.Param("id"))
	switch {
	case errors.Is(err, cache.ErrNotFound) || (err == nil && session.OwnerID != userID):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, "session not found")
		return
	case err != nil:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "load session failed")
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := h.entities.Messages.List(ctx, cache.SessionMessages(session.ID))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get history failed")
		return
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	response.OK(c, history)
}

func (h *ChatHandler) bind(c *gin.Context) (chat.StreamRequest, bool) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return chat.StreamRequest{}, false
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return chat.StreamRequest{}, false
	}
	return chat.StreamRequest{
		UserID:      userID,
		Message:     req.Message,
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		RequestID:   req.RequestID,
	}, true
}

func writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		response.Error(c, http.StatusBadRequest, response.CodeEmptyMessage, err.Error())
	case errors.Is(err, chat.ErrSessionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeSessionNotFound, err.Error())
	case errors.Is(err, chat.ErrWorkspaceNotFound):
		response.Error(c, http.StatusNotFound, response.CodeWorkspaceNotFound, err.Error())
	case errors.Is(err, chat.ErrWorkspaceNotReady):
		response.Error(c, http.StatusConflict, response.CodeWorkspaceNotReady, err.Error())
	case errors.Is(err, chat.ErrWorkspaceMismatch):
		response.Error(c, http.StatusConflict, response.CodeWorkspaceMismatch, err.Error())
	default:
		writeDispatchError(c, err, "send message failed")
	}
}

func getUserIDFromContext(c *gin.Context) (string, bool) {
	return middleware.UserID(c)
}
