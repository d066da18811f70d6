// Package worker runs the background pipelines that move documents and workspaces through
// their lifecycles. Every pipeline runs on the dispatcher; callers only see dispatch errors.
package worker

import (
	"context"
	"log/slog"
	"time"

	"gopherrag/internal/ai"
	"gopherrag/internal/cache"
	"gopherrag/internal/dispatch"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/pipeline"
	"gopherrag/internal/retry"
)

type Dispatcher interface {
	Dispatch(name string, fn dispatch.Func) error
}

// ChunkStore removes the chunk rows of documents and workspaces.
type ChunkStore interface {
	DeleteByDocument(ctx context.Context, documentID string) error
	DeleteByWorkspace(ctx context.Context, workspaceID string) error
}

// PendingStore is the persisted queue of queries waiting for relevant context.
type PendingStore interface {
	ListPending(ctx context.Context, workspaceID string) ([]model.PendingQuery, error)
	MarkReplayed(ctx context.Context, id string) error
	RecordMiss(ctx context.Context, id string, maxAttempts int) (model.PendingQueryStatus, error)
	DeleteByWorkspace(ctx context.Context, workspaceID string) error
}

type Deps struct {
	Entities   *cache.Entities
	Chunks     ChunkStore
	Pending    PendingStore
	Blobs      pipeline.BlobStore
	Parsers    *pipeline.ParserRegistry
	Chunker    pipeline.Chunker
	Embedder   ai.Embedder
	Indexes    *pipeline.IndexRegistry
	Dispatcher Dispatcher
	Bus        events.Publisher
	Logger     *slog.Logger
	Metrics    *Metrics
}

type Config struct {
	Stage        retry.Policy
	StageTimeout time.Duration
}

func (d Deps) logger(component string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

func strPtr(s string) *string { return &s }
