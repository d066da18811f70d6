package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gopherrag/internal/cache"
	"gopherrag/internal/model"
	"gopherrag/internal/pipeline"
	"gopherrag/internal/transport/http/response"
)

// DocumentLifecycle schedules ingestion and removal of documents.
type DocumentLifecycle interface {
	StartProcessing(doc *model.Document, ownerID string) error
	StartDocumentCleanup(doc *model.Document, ownerID string) error
}

type DocumentHandler struct {
	entities  *cache.Entities
	blobs     pipeline.BlobStore
	parsers   *pipeline.ParserRegistry
	lifecycle DocumentLifecycle
	maxUpload int64
}

func NewDocumentHandler(entities *cache.Entities, blobs pipeline.BlobStore, parsers *pipeline.ParserRegistry, lifecycle DocumentLifecycle, maxUploadMiB int) *DocumentHandler {
	if maxUploadMiB <= 0 {
		maxUploadMiB = 20
	}
	return &DocumentHandler{
		entities:  entities,
		blobs:     blobs,
		parsers:   parsers,
		lifecycle: lifecycle,
		maxUpload: int64(maxUploadMiB) << 20,
	}
}

// Upload accepts a multipart form with "file" and an optional "parser" id, stores the body and
// schedules ingestion. Progress is reported on the event bus.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	ws, ok := ownedWorkspace(c, h.entities, c.Param("id"), userID)
	if !ok {
		return
	}
	if !ws.Status.AcceptsDocuments() {
		response.Error(c, http.StatusConflict, response.CodeWorkspaceNotReady, "workspace is "+string(ws.Status))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > h.maxUpload {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge,
			fmt.Sprintf("file too large (max %dMB)", h.maxUpload>>20))
		return
	}

	doc := &model.Document{
		ID:          uuid.NewString(),
		WorkspaceID: ws.ID,
		OwnerID:     userID,
		Filename:    filepath.Base(file.Filename),
		Size:        file.Size,
		MimeType:    file.Header.Get("Content-Type"),
		ParserID:    strings.TrimSpace(c.PostForm("parser")),
		Status:      model.DocumentPending,
	}
	if _, err := h.parsers.Resolve(doc); err != nil {
		if errors.Is(err, pipeline.ErrUnsupportedType) {
			response.Error(c, http.StatusBadRequest, response.CodeUnsupportedType, err.Error())
		} else {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "resolve parser failed")
		}
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	path, err := h.blobs.Save(ctx, doc.ID+strings.ToLower(filepath.Ext(doc.Filename)), f)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "store file failed")
		return
	}
	doc.BlobPath = path
	if err := h.entities.Documents.Create(ctx, doc); err != nil {
		_ = h.blobs.Delete(context.WithoutCancel(ctx), path)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "create document failed")
		return
	}

	if err := h.lifecycle.StartProcessing(doc, userID); err != nil {
		msg := "ingestion could not be scheduled: " + err.Error()
		_ = h.entities.Documents.Update(context.WithoutCancel(ctx), doc.ID, map[string]any{
			"status":        model.DocumentFailed,
			"error_message": msg,
		})
		writeDispatchError(c, err, "schedule ingestion failed")
		return
	}

	response.Accepted(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	ws, ok := ownedWorkspace(c, h.entities, c.Param("id"), userID)
	if !ok {
		return
	}
	docs, err := h.entities.Documents.List(c.Request.Context(), cache.WorkspaceDocuments(ws.ID))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	doc, ok := h.owned(c, userID)
	if !ok {
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	doc, ok := h.owned(c, userID)
	if !ok {
		return
	}
	if err := h.lifecycle.StartDocumentCleanup(doc, userID); err != nil {
		writeDispatchError(c, err, "schedule cleanup failed")
		return
	}
	response.Accepted(c, gin.H{"document_id": doc.ID})
}

func (h *DocumentHandler) owned(c *gin.Context, userID string) (*model.Document, bool) {
	doc, err := h.entities.Documents.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, cache.ErrNotFound) || (err == nil && doc.OwnerID != userID):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, "document not found")
		return nil, false
	case err != nil:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "load document failed")
		return nil, false
	}
	return doc, true
}
