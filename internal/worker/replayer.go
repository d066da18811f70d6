package worker

import (
	"context"
	"log/slog"
	"sync"

	"gopherrag/internal/events"
	"gopherrag/internal/model"
)

// Answerer retries a pending query and reports whether relevant context was found.
type Answerer interface {
	Replay(ctx context.Context, pq *model.PendingQuery) (bool, error)
}

// PendingQueryReplayer retries queued queries of a workspace whenever one of its documents
// becomes ready. Runs for the same workspace never overlap; a trigger that arrives during a
// run schedules exactly one more run.
type PendingQueryReplayer struct {
	pending     PendingStore
	answerer    Answerer
	dispatcher  Dispatcher
	maxAttempts int
	logger      *slog.Logger
	metrics     *Metrics

	mu      sync.Mutex
	running map[string]bool
	rerun   map[string]bool
}

func NewPendingQueryReplayer(deps Deps, answerer Answerer, maxAttempts int) *PendingQueryReplayer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &PendingQueryReplayer{
		pending:     deps.Pending,
		answerer:    answerer,
		dispatcher:  deps.Dispatcher,
		maxAttempts: maxAttempts,
		logger:      deps.logger("replayer"),
		metrics:     deps.Metrics,
		running:     make(map[string]bool),
		rerun:       make(map[string]bool),
	}
}

// Listen is an events.Listener. It reacts to ready documents announced in workspace rooms.
func (r *PendingQueryReplayer) Listen(_ context.Context, e events.Event) {
	if e.Type != events.TypeDocumentStatus {
		return
	}
	payload, err := events.Decode[events.DocumentStatus](e)
	if err != nil {
		r.logger.Warn("decode document status failed", "error", err)
		return
	}
	if payload.Status != string(model.DocumentReady) || e.Room != events.WorkspaceRoom(payload.WorkspaceID) {
		return
	}
	r.Trigger(payload.WorkspaceID)
}

// Trigger schedules a replay of workspaceID.
func (r *PendingQueryReplayer) Trigger(workspaceID string) {
	r.mu.Lock()
	if r.running[workspaceID] {
		r.rerun[workspaceID] = true
		r.mu.Unlock()
		return
	}
	r.running[workspaceID] = true
	r.mu.Unlock()

	err := r.dispatcher.Dispatch("pending.replay", func(ctx context.Context) {
		defer func() {
			if p := recover(); p != nil {
				r.mu.Lock()
				delete(r.running, workspaceID)
				delete(r.rerun, workspaceID)
				r.mu.Unlock()
				panic(p)
			}
		}()
		for {
			r.ReplayWorkspace(ctx, workspaceID)
			r.mu.Lock()
			if !r.rerun[workspaceID] || ctx.Err() != nil {
				delete(r.running, workspaceID)
				delete(r.rerun, workspaceID)
				r.mu.Unlock()
				return
			}
			delete(r.rerun, workspaceID)
			r.mu.Unlock()
		}
	})
	if err != nil {
		r.mu.Lock()
		delete(r.running, workspaceID)
		r.mu.Unlock()
		r.logger.Warn("dispatch replay failed", "workspace_id", workspaceID, "error", err)
	}
}

// ReplayWorkspace retries every pending query of workspaceID once.
func (r *PendingQueryReplayer) ReplayWorkspace(ctx context.Context, workspaceID string) {
	logger := r.logger.With("workspace_id", workspaceID)
	queries, err := r.pending.ListPending(ctx, workspaceID)
	if err != nil {
		logger.Error("list pending queries failed", "error", err)
		return
	}
	for i := range queries {
		if ctx.Err() != nil {
			return
		}
		pq := &queries[i]
		answered, err := r.answerer.Replay(ctx, pq)
		if err != nil {
			logger.Warn("replay pending query failed", "pending_query_id", pq.ID, "error", err)
		}
		if answered {
			r.metrics.replay("answered")
			if err := r.pending.MarkReplayed(ctx, pq.ID); err != nil {
				logger.Error("mark pending query replayed failed", "pending_query_id", pq.ID, "error", err)
			}
			continue
		}
		status, err := r.pending.RecordMiss(ctx, pq.ID, r.maxAttempts)
		if err != nil {
			logger.Error("record pending query miss failed", "pending_query_id", pq.ID, "error", err)
			continue
		}
		r.metrics.replay(string(status))
		if status == model.PendingQueryExpired {
			logger.Info("pending query expired", "pending_query_id", pq.ID, "attempts", r.maxAttempts)
		}
	}
}
