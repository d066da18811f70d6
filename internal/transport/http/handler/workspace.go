package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gopherrag/internal/cache"
	"gopherrag/internal/dispatch"
	"gopherrag/internal/model"
	"gopherrag/internal/transport/http/response"
)

// WorkspaceLifecycle schedules the background provisioning and cleanup of workspaces.
type WorkspaceLifecycle interface {
	StartWorkspaceProvision(ws *model.Workspace, ownerID string) error
	StartWorkspaceCleanup(ws *model.Workspace, ownerID string) error
}

// IndexBackends reports which RAG types have an index backend configured.
type IndexBackends interface {
	Has(t model.RAGType) bool
}

type WorkspaceHandler struct {
	entities  *cache.Entities
	lifecycle WorkspaceLifecycle
	backends  IndexBackends
}

type CreateWorkspaceRequest struct {
	Name        string `json:"name" binding:"required,max=128"`
	Description string `json:"description"`
	RAGType     string `json:"rag_type"`
}

func NewWorkspaceHandler(entities *cache.Entities, lifecycle WorkspaceLifecycle, backends IndexBackends) *WorkspaceHandler {
	return &WorkspaceHandler{entities: entities, lifecycle: lifecycle, backends: backends}
}

func (h *WorkspaceHandler) Create(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	ragType := model.RAGType(strings.ToLower(strings.TrimSpace(req.RAGType)))
	switch ragType {
	case "":
		ragType = model.RAGTypeVector
	case model.RAGTypeVector, model.RAGTypeGraph:
	default:
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "rag_type must be vector or graph")
		return
	}
	if !h.backends.Has(ragType) {
		response.Error(c, http.StatusNotImplemented, response.CodeNoIndexBackend, "no index backend configured for rag_type "+string(ragType))
		return
	}

	ctx := c.Request.Context()
	ws := &model.Workspace{
		ID:          uuid.NewString(),
		OwnerID:     userID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		RAGType:     ragType,
		Status:      model.WorkspacePending,
	}
	if err := h.entities.Workspaces.Create(ctx, ws); err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "create workspace failed")
		return
	}
	if err := h.lifecycle.StartWorkspaceProvision(ws, userID); err != nil {
		_ = h.entities.Workspaces.Delete(context.WithoutCancel(ctx), ws.ID)
		writeDispatchError(c, err, "schedule provisioning failed")
		return
	}

	response.Accepted(c, ws)
}

func (h *WorkspaceHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	workspaces, err := h.entities.Workspaces.List(c.Request.Context(), cache.UserWorkspaces(userID))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list workspaces failed")
		return
	}
	response.OK(c, workspaces)
}

func (h *WorkspaceHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	ws, ok := ownedWorkspace(c, h.entities, c.Param("id"), userID)
	if !ok {
		return
	}
	response.OK(c, ws)
}

func (h *WorkspaceHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	ws, ok := ownedWorkspace(c, h.entities, c.Param("id"), userID)
	if !ok {
		return
	}
	if err := h.lifecycle.StartWorkspaceCleanup(ws, userID); err != nil {
		writeDispatchError(c, err, "schedule cleanup failed")
		return
	}
	response.Accepted(c, gin.H{"workspace_id": ws.ID})
}

// ownedWorkspace loads a workspace of userID and writes the error response when it cannot.
func ownedWorkspace(c *gin.Context, entities *cache.Entities, id, userID string) (*model.Workspace, bool) {
	ws, err := entities.Workspaces.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, cache.ErrNotFound) || (err == nil && ws.OwnerID != userID):
		response.Error(c, http.StatusNotFound, response.CodeWorkspaceNotFound, "workspace not found")
		return nil, false
	case err != nil:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "load workspace failed")
		return nil, false
	}
	return ws, true
}

func writeDispatchError(c *gin.Context, err error, message string) {
	if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrClosed) {
		response.Error(c, http.StatusServiceUnavailable, response.CodeBusy, "server busy, try again later")
		return
	}
	response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, message)
}
