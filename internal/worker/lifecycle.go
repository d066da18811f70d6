package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopherrag/internal/cache"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/retry"
)

// LifecycleWorker provisions and tears down workspaces and removes documents.
type LifecycleWorker struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

func NewLifecycleWorker(deps Deps, cfg Config) *LifecycleWorker {
	return &LifecycleWorker{deps: deps, cfg: cfg, logger: deps.logger("lifecycle")}
}

func (w *LifecycleWorker) StartWorkspaceProvision(ws *model.Workspace, ownerID string) error {
	workspaceID := ws.ID
	return w.deps.Dispatcher.Dispatch("workspace.provision", func(ctx context.Context) {
		w.ProvisionWorkspace(ctx, workspaceID, ownerID)
	})
}

func (w *LifecycleWorker) StartWorkspaceCleanup(ws *model.Workspace, ownerID string) error {
	workspaceID := ws.ID
	return w.deps.Dispatcher.Dispatch("workspace.cleanup", func(ctx context.Context) {
		w.CleanupWorkspace(ctx, workspaceID, ownerID)
	})
}

func (w *LifecycleWorker) StartDocumentCleanup(doc *model.Document, ownerID string) error {
	documentID := doc.ID
	return w.deps.Dispatcher.Dispatch("document.cleanup", func(ctx context.Context) {
		doc, err := w.deps.Entities.Documents.Get(ctx, documentID)
		if errors.Is(err, cache.ErrNotFound) {
			return
		}
		if err != nil {
			w.logger.Error("load document for cleanup failed", "document_id", documentID, "error", err)
			return
		}
		if err := w.RemoveDocument(ctx, doc, ownerID); err != nil {
			w.logger.Error("document cleanup failed", "document_id", documentID, "error", err)
		}
	})
}

// ProvisionWorkspace moves a workspace to ready once its index collection exists.
func (w *LifecycleWorker) ProvisionWorkspace(ctx context.Context, workspaceID, ownerID string) {
	logger := w.logger.With("workspace_id", workspaceID)
	ws, err := w.deps.Entities.Workspaces.Get(ctx, workspaceID)
	if err != nil {
		logger.Error("load workspace for provisioning failed", "error", err)
		return
	}
	if err := w.setWorkspace(ctx, ws, ownerID, model.WorkspaceProvisioning, "provisioning index", nil); err != nil {
		logger.Error("mark workspace provisioning failed", "error", err)
		return
	}

	err = w.ensureCollection(ctx, ws, logger)
	if err != nil {
		logger.Error("workspace provisioning failed", "error", err)
		w.deps.Metrics.workspace("provision", "failed")
		if err := w.setWorkspace(context.WithoutCancel(ctx), ws, ownerID, model.WorkspaceFailed, "provisioning failed", err); err != nil {
			logger.Error("mark workspace failed", "error", err)
		}
		return
	}
	if err := w.setWorkspace(ctx, ws, ownerID, model.WorkspaceReady, "workspace ready", nil); err != nil {
		logger.Error("mark workspace ready failed", "error", err)
		return
	}
	w.deps.Metrics.workspace("provision", "ok")
	logger.Info("workspace ready")
}

func (w *LifecycleWorker) ensureCollection(ctx context.Context, ws *model.Workspace, logger *slog.Logger) error {
	idx, err := w.deps.Indexes.For(ws.RAGType)
	if err != nil {
		return err
	}
	return retry.Do(ctx, w.cfg.Stage, func(ctx context.Context) error {
		return idx.EnsureCollection(ctx, ws.ID)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("ensure collection failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
}

// CleanupWorkspace removes every document one by one, then the index collection, queued
// queries, chat sessions and finally the workspace row. A document that cannot be removed
// leaves the workspace row in place with status failed.
func (w *LifecycleWorker) CleanupWorkspace(ctx context.Context, workspaceID, ownerID string) {
	logger := w.logger.With("workspace_id", workspaceID)
	ws, err := w.deps.Entities.Workspaces.Get(ctx, workspaceID)
	if errors.Is(err, cache.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("load workspace for cleanup failed", "error", err)
		return
	}
	if err := w.setWorkspace(ctx, ws, ownerID, model.WorkspaceDeleting, "deleting workspace", nil); err != nil {
		logger.Error("mark workspace deleting failed", "error", err)
		return
	}

	if err := w.removeContents(ctx, ws, ownerID, logger); err != nil {
		logger.Error("workspace cleanup aborted", "error", err)
		w.deps.Metrics.workspace("cleanup", "failed")
		if err := w.setWorkspace(context.WithoutCancel(ctx), ws, ownerID, model.WorkspaceFailed, "cleanup failed", err); err != nil {
			logger.Error("mark workspace failed", "error", err)
		}
		return
	}

	if err := w.deps.Entities.Workspaces.Delete(ctx, ws.ID); err != nil {
		logger.Error("delete workspace row failed", "error", err)
		w.deps.Metrics.workspace("cleanup", "failed")
		if err := w.setWorkspace(context.WithoutCancel(ctx), ws, ownerID, model.WorkspaceFailed, "cleanup failed", err); err != nil {
			logger.Error("mark workspace failed", "error", err)
		}
		return
	}
	w.publishWorkspace(ctx, ws, ownerID, model.WorkspaceDeleted, "workspace deleted", nil)
	w.deps.Metrics.workspace("cleanup", "ok")
	w.touchLastCleanup(ctx, logger)
	logger.Info("workspace deleted")
}

func (w *LifecycleWorker) removeContents(ctx context.Context, ws *model.Workspace, ownerID string, logger *slog.Logger) error {
	docs, err := w.deps.Entities.Documents.List(ctx, cache.WorkspaceDocuments(ws.ID))
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	failed := 0
	for i := range docs {
		if err := w.RemoveDocument(ctx, &docs[i], ownerID); err != nil {
			failed++
			logger.Error("remove document failed", "document_id", docs[i].ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents could not be removed", failed, len(docs))
	}

	if idx, err := w.deps.Indexes.For(ws.RAGType); err == nil {
		if err := idx.DropCollection(ctx, ws.ID); err != nil {
			logger.Warn("drop index collection failed", "error", err)
		}
	}
	if err := w.deps.Chunks.DeleteByWorkspace(ctx, ws.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := w.deps.Pending.DeleteByWorkspace(ctx, ws.ID); err != nil {
		return fmt.Errorf("delete pending queries: %w", err)
	}

	sessions, err := w.deps.Entities.Sessions.List(ctx, cache.WorkspaceSessions(ws.ID))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if err := w.deps.Entities.Messages.DeleteScope(ctx, cache.SessionMessages(s.ID)); err != nil {
			return fmt.Errorf("delete messages of session %s: %w", s.ID, err)
		}
	}
	if err := w.deps.Entities.Sessions.DeleteScope(ctx, cache.WorkspaceSessions(ws.ID)); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// RemoveDocument deletes index entries, chunk rows, the blob and the row of doc. Index and
// blob failures are logged and skipped; a failed row deletion aborts.
func (w *LifecycleWorker) RemoveDocument(ctx context.Context, doc *model.Document, ownerID string) error {
	logger := w.logger.With("document_id", doc.ID)

	ws, err := w.deps.Entities.Workspaces.Get(ctx, doc.WorkspaceID)
	switch {
	case err == nil:
		if idx, err := w.deps.Indexes.For(ws.RAGType); err == nil {
			if err := idx.DeleteDocument(ctx, doc.WorkspaceID, doc.ID); err != nil {
				logger.Warn("remove index entries failed", "error", err)
			}
		}
	case errors.Is(err, cache.ErrNotFound):
	default:
		logger.Warn("load workspace for index removal failed", "error", err)
	}

	if err := w.deps.Chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if doc.BlobPath != "" {
		if err := w.deps.Blobs.Delete(ctx, doc.BlobPath); err != nil {
			logger.Warn("remove blob failed", "path", doc.BlobPath, "error", err)
		}
	}
	if err := w.deps.Entities.Documents.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete document row: %w", err)
	}

	publishDocument(ctx, w.deps.Bus, events.DocumentStatus{
		DocumentID:  doc.ID,
		OwnerID:     ownerID,
		WorkspaceID: doc.WorkspaceID,
		Status:      string(doc.Status),
		Message:     "deleted",
	})
	logger.Info("document removed")
	return nil
}

func (w *LifecycleWorker) setWorkspace(ctx context.Context, ws *model.Workspace, ownerID string, status model.WorkspaceStatus, message string, cause error) error {
	fields := map[string]any{"status": status, "error_message": nil}
	if cause != nil {
		fields["error_message"] = cause.Error()
	}
	if err := w.deps.Entities.Workspaces.Update(ctx, ws.ID, fields); err != nil {
		return err
	}
	ws.Status = status
	w.publishWorkspace(ctx, ws, ownerID, status, message, cause)
	return nil
}

func (w *LifecycleWorker) publishWorkspace(ctx context.Context, ws *model.Workspace, ownerID string, status model.WorkspaceStatus, message string, cause error) {
	payload := events.WorkspaceStatus{
		WorkspaceID: ws.ID,
		OwnerID:     ownerID,
		Status:      string(status),
		Message:     message,
	}
	if cause != nil {
		payload.Error = strPtr(cause.Error())
	}
	w.deps.Bus.Publish(ctx,
		events.New(events.TypeWorkspaceStatus, events.UserRoom(ownerID), payload),
		events.New(events.TypeWorkspaceStatus, events.WorkspaceRoom(ws.ID), payload),
	)
}

func (w *LifecycleWorker) touchLastCleanup(ctx context.Context, logger *slog.Logger) {
	err := w.deps.Entities.AppState.Create(ctx, &model.AppState{
		Key:   model.AppStateLastCleanup,
		Value: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("record last cleanup time failed", "error", err)
	}
}
