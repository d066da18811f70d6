package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopherrag/internal/cache"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/pipeline"
	"gopherrag/internal/repository"
	"gopherrag/internal/retry"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrWorkspaceNotReady = errors.New("workspace does not accept documents")
	ErrMissingBlob       = errors.New("document has no uploaded content")
	ErrNoChunks          = errors.New("document produced no chunks")
)

// ingestion carries one document through the stages.
type ingestion struct {
	doc       *model.Document
	workspace *model.Workspace
	ownerID   string
	index     pipeline.VectorIndex

	body    []byte
	text    string
	chunks  []string
	vectors [][]float32
}

type stage struct {
	name    string
	running model.DocumentStatus
	done    model.DocumentStatus
	run     func(ctx context.Context, in *ingestion) (map[string]any, error)
}

// IngestionWorker runs the document state machine.
type IngestionWorker struct {
	deps   Deps
	cfg    Config
	stages []stage
	logger *slog.Logger
}

func NewIngestionWorker(deps Deps, cfg Config) *IngestionWorker {
	w := &IngestionWorker{deps: deps, cfg: cfg, logger: deps.logger("ingestion")}
	w.stages = []stage{
		{name: "upload", running: model.DocumentUploading, done: model.DocumentUploaded, run: w.upload},
		{name: "parse", running: model.DocumentParsing, done: model.DocumentParsed, run: w.parse},
		{name: "chunk", running: model.DocumentChunking, done: model.DocumentChunked, run: w.chunk},
		{name: "embed", running: model.DocumentEmbedding, done: model.DocumentEmbedded, run: w.embed},
		{name: "index", running: model.DocumentIndexing, done: model.DocumentIndexed, run: w.index},
	}
	return w
}

// StartProcessing dispatches the pipeline for doc and returns at once. Only dispatch errors
// are returned; outcomes are reported through document status and events.
func (w *IngestionWorker) StartProcessing(doc *model.Document, ownerID string) error {
	documentID := doc.ID
	return w.deps.Dispatcher.Dispatch("ingest.document", func(ctx context.Context) {
		w.Process(ctx, documentID, ownerID)
	})
}

// Process runs every stage of one document synchronously.
func (w *IngestionWorker) Process(ctx context.Context, documentID, ownerID string) {
	logger := w.logger.With("document_id", documentID)
	doc, err := w.deps.Entities.Documents.Get(ctx, documentID)
	if err != nil {
		logger.Error("load document failed", "error", err)
		return
	}
	in := &ingestion{doc: doc, ownerID: ownerID}

	if err := w.resolve(ctx, in); err != nil {
		w.fail(ctx, in, "dependency", err, logger)
		return
	}

	for _, s := range w.stages {
		if err := w.transition(ctx, in, s.running, nil); err != nil {
			w.stopOnTransition(ctx, in, err, logger)
			return
		}
		fields, err := w.runStage(ctx, in, s, logger)
		if err != nil {
			w.fail(ctx, in, s.name, err, logger)
			return
		}
		if err := w.transition(ctx, in, s.done, fields); err != nil {
			w.stopOnTransition(ctx, in, err, logger)
			return
		}
	}

	if err := w.transition(ctx, in, model.DocumentReady, nil); err != nil {
		w.stopOnTransition(ctx, in, err, logger)
		return
	}
	w.deps.Metrics.document(string(model.DocumentReady))
	w.touchLastIngestion(ctx, logger)
	logger.Info("document ready", "chunks", in.doc.ChunkCount)
}

// resolve checks the dependencies of the pipeline before any stage runs.
func (w *IngestionWorker) resolve(ctx context.Context, in *ingestion) error {
	ws, err := w.deps.Entities.Workspaces.Get(ctx, in.doc.WorkspaceID)
	if errors.Is(err, cache.ErrNotFound) {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrWorkspaceNotFound, in.doc.WorkspaceID))
	}
	if err != nil {
		return err
	}
	if !ws.Status.AcceptsDocuments() {
		return retry.Permanent(fmt.Errorf("%w: %s is %s", ErrWorkspaceNotReady, ws.ID, ws.Status))
	}
	if in.doc.BlobPath == "" {
		return retry.Permanent(ErrMissingBlob)
	}
	idx, err := w.deps.Indexes.For(ws.RAGType)
	if err != nil {
		return err
	}
	in.workspace = ws
	in.index = idx
	return nil
}

func (w *IngestionWorker) runStage(ctx context.Context, in *ingestion, s stage, logger *slog.Logger) (map[string]any, error) {
	started := time.Now()
	var fields map[string]any
	err := retry.Do(ctx, w.cfg.Stage, func(ctx context.Context) error {
		if w.cfg.StageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.cfg.StageTimeout)
			defer cancel()
		}
		var err error
		fields, err = s.run(ctx, in)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		w.deps.Metrics.retried(s.name)
		logger.Warn("stage attempt failed, retrying", "stage", s.name, "attempt", attempt, "wait", wait, "error", err)
	})
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	w.deps.Metrics.stage(s.name, outcome, time.Since(started))
	return fields, err
}

func (w *IngestionWorker) upload(ctx context.Context, in *ingestion) (map[string]any, error) {
	rc, err := w.deps.Blobs.Open(ctx, in.doc.BlobPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	hash := sha256.New()
	var buf bytes.Buffer
	size, err := io.Copy(io.MultiWriter(&buf, hash), rc)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	in.body = buf.Bytes()
	return map[string]any{
		"size":         size,
		"content_hash": hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func (w *IngestionWorker) parse(ctx context.Context, in *ingestion) (map[string]any, error) {
	parser, err := w.deps.Parsers.Resolve(in.doc)
	if err != nil {
		return nil, err
	}
	text, err := parser.Parse(ctx, bytes.NewReader(in.body))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace([]byte(text))) == 0 {
		return nil, retry.Permanent(pipeline.ErrEmptyContent)
	}
	in.text = text
	in.body = nil
	return nil, nil
}

func (w *IngestionWorker) chunk(_ context.Context, in *ingestion) (map[string]any, error) {
	chunks, err := w.deps.Chunker.Split(in.text)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, retry.Permanent(ErrNoChunks)
	}
	in.chunks = chunks
	return nil, nil
}

func (w *IngestionWorker) embed(ctx context.Context, in *ingestion) (map[string]any, error) {
	vectors, err := w.deps.Embedder.Embed(ctx, in.chunks)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(in.chunks) {
		return nil, fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(in.chunks), len(vectors))
	}
	in.vectors = vectors
	return nil, nil
}

func (w *IngestionWorker) index(ctx context.Context, in *ingestion) (map[string]any, error) {
	items := make([]pipeline.IndexedChunk, len(in.chunks))
	for i := range in.chunks {
		items[i] = pipeline.IndexedChunk{Ordinal: i, Content: in.chunks[i], Vector: in.vectors[i]}
	}
	if err := in.index.Upsert(ctx, in.workspace.ID, in.doc.ID, items); err != nil {
		return nil, err
	}
	return map[string]any{"chunk_count": len(items)}, nil
}

// transition persists status (plus fields) and announces it. ErrTerminalState means another
// writer already finished the document.
func (w *IngestionWorker) transition(ctx context.Context, in *ingestion, status model.DocumentStatus, fields map[string]any) error {
	update := map[string]any{"status": status}
	for k, v := range fields {
		update[k] = v
	}
	if err := w.deps.Entities.Documents.Update(ctx, in.doc.ID, update); err != nil {
		return err
	}
	in.doc.Status = status
	if n, ok := fields["chunk_count"].(int); ok {
		in.doc.ChunkCount = n
	}

	payload := events.DocumentStatus{
		DocumentID:  in.doc.ID,
		OwnerID:     in.ownerID,
		WorkspaceID: in.doc.WorkspaceID,
		Status:      string(status),
		Message:     statusMessage(status),
	}
	if status == model.DocumentReady || status == model.DocumentIndexed {
		n := in.doc.ChunkCount
		payload.ChunkCount = &n
	}
	w.publishDocument(ctx, payload)
	return nil
}

func (w *IngestionWorker) fail(ctx context.Context, in *ingestion, stageName string, cause error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Error("document processing failed", "stage", stageName, "error", cause)

	msg := cause.Error()
	err := w.deps.Entities.Documents.Update(ctx, in.doc.ID, map[string]any{
		"status":        model.DocumentFailed,
		"error_message": msg,
	})
	if err != nil {
		w.stopOnTransition(ctx, in, err, logger)
		return
	}
	in.doc.Status = model.DocumentFailed
	w.deps.Metrics.document(string(model.DocumentFailed))
	w.publishDocument(ctx, events.DocumentStatus{
		DocumentID:  in.doc.ID,
		OwnerID:     in.ownerID,
		WorkspaceID: in.doc.WorkspaceID,
		Status:      string(model.DocumentFailed),
		Message:     fmt.Sprintf("processing failed at %s stage", stageName),
		Error:       strPtr(msg),
	})
	w.removePartial(ctx, in, logger)
}

// removePartial drops whatever the failed run wrote. Failures leave orphans behind.
func (w *IngestionWorker) removePartial(ctx context.Context, in *ingestion, logger *slog.Logger) {
	if in.index != nil {
		if err := in.index.DeleteDocument(ctx, in.doc.WorkspaceID, in.doc.ID); err != nil {
			logger.Warn("remove partial index entries failed", "error", err)
		}
	}
	if err := w.deps.Chunks.DeleteByDocument(ctx, in.doc.ID); err != nil {
		logger.Warn("remove partial chunks failed", "error", err)
	}
}

func (w *IngestionWorker) stopOnTransition(ctx context.Context, in *ingestion, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, repository.ErrTerminalState):
		logger.Info("document already terminal, pipeline stopped")
	case errors.Is(err, cache.ErrNotFound):
		logger.Info("document deleted during processing, pipeline stopped")
		w.removePartial(context.WithoutCancel(ctx), in, logger)
	default:
		logger.Error("persist document status failed, pipeline stopped", "error", err)
	}
}

func (w *IngestionWorker) touchLastIngestion(ctx context.Context, logger *slog.Logger) {
	err := w.deps.Entities.AppState.Create(ctx, &model.AppState{
		Key:   model.AppStateLastIngestion,
		Value: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("record last ingestion time failed", "error", err)
	}
}

func (w *IngestionWorker) publishDocument(ctx context.Context, payload events.DocumentStatus) {
	publishDocument(ctx, w.deps.Bus, payload)
}

func publishDocument(ctx context.Context, bus events.Publisher, payload events.DocumentStatus) {
	bus.Publish(ctx,
		events.New(events.TypeDocumentStatus, events.UserRoom(payload.OwnerID), payload),
		events.New(events.TypeDocumentStatus, events.WorkspaceRoom(payload.WorkspaceID), payload),
	)
}

func statusMessage(s model.DocumentStatus) string {
	switch s {
	case model.DocumentUploading:
		return "reading uploaded file"
	case model.DocumentUploaded:
		return "file stored"
	case model.DocumentParsing:
		return "extracting text"
	case model.DocumentParsed:
		return "text extracted"
	case model.DocumentChunking:
		return "splitting into chunks"
	case model.DocumentChunked:
		return "chunks created"
	case model.DocumentEmbedding:
		return "computing embeddings"
	case model.DocumentEmbedded:
		return "embeddings computed"
	case model.DocumentIndexing:
		return "writing to index"
	case model.DocumentIndexed:
		return "indexed"
	case model.DocumentReady:
		return "document ready"
	default:
		return string(s)
	}
}
