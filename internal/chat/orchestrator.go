// Package chat answers user messages with streamed model output, optionally grounded in the
// passages of a workspace.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"gopherrag/internal/ai"
	"gopherrag/internal/cache"
	"gopherrag/internal/dispatch"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/pipeline"
)

var (
	ErrEmptyMessage        = errors.New("message content is empty")
	ErrSessionNotFound     = errors.New("session not found")
	ErrWorkspaceNotFound   = errors.New("workspace not found")
	ErrWorkspaceNotReady   = errors.New("workspace is not ready")
	ErrWorkspaceMismatch   = errors.New("session belongs to another workspace")
	errGenerationCancelled = errors.New("generation cancelled")
)

const defaultSystemPrompt = "You are a helpful assistant. When context passages are provided, answer based only on them. " +
	"If the context does not contain enough information, say so. Do not make up facts."

// Retriever finds passages of a workspace relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, workspace *model.Workspace, query string) ([]pipeline.Passage, error)
}

// Dispatcher runs background tasks.
type Dispatcher interface {
	Dispatch(name string, fn dispatch.Func) error
}

type StreamRequest struct {
	UserID      string
	Message     string
	SessionID   string
	WorkspaceID string
	RequestID   string
}

// StreamEvent is one item of a stream. Type is one of the chat event types.
type StreamEvent struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId"`
	SessionID    string `json:"sessionId"`
	MessageID    string `json:"messageId,omitempty"`
	Chunk        string `json:"chunk,omitempty"`
	FullResponse string `json:"fullResponse,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Config struct {
	HistoryLimit       int
	RelevanceThreshold float64
	StreamBuffer       int
}

type Deps struct {
	Entities   *cache.Entities
	Pending    PendingStore
	Retriever  Retriever
	Model      ai.ChatModel
	Registry   *Registry
	Dispatcher Dispatcher
	Bus        events.Publisher
	Logger     *slog.Logger
	Metrics    *Metrics
}

// PendingStore persists queries that found no relevant context.
type PendingStore interface {
	CreateIfAbsent(ctx context.Context, q *model.PendingQuery) (bool, error)
}

type Orchestrator struct {
	entities   *cache.Entities
	pending    PendingStore
	retriever  Retriever
	model      ai.ChatModel
	registry   *Registry
	dispatcher Dispatcher
	bus        events.Publisher
	cfg        Config
	logger     *slog.Logger
	metrics    *Metrics
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 32
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		entities:   deps.Entities,
		pending:    deps.Pending,
		retriever:  deps.Retriever,
		model:      deps.Model,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		bus:        deps.Bus,
		cfg:        cfg,
		logger:     logger.With("component", "chat"),
		metrics:    deps.Metrics,
	}
}

// turn is a validated request with its session and workspace resolved.
type turn struct {
	requestID string
	userID    string
	query     string
	session   *model.ChatSession
	workspace *model.Workspace
}

// Stream answers req and returns the events of the answer. The channel carries chunk events
// and then exactly one complete or error event; it closes without a terminal event when the
// request is cancelled.
func (o *Orchestrator) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent, o.cfg.StreamBuffer)
	go func() {
		defer close(out)
		o.run(ctx, t, out)
	}()
	return out, nil
}

// Ticket identifies a request accepted by Send.
type Ticket struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// Send runs the same flow as Stream on the dispatcher and returns at once. Output is
// observable only on the event bus.
func (o *Orchestrator) Send(ctx context.Context, req StreamRequest) (Ticket, error) {
	t, err := o.prepare(ctx, req)
	if err != nil {
		return Ticket{}, err
	}
	err = o.dispatcher.Dispatch("chat.send", func(taskCtx context.Context) {
		o.run(taskCtx, t, nil)
	})
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{RequestID: t.requestID, SessionID: t.session.ID}, nil
}

// Cancel signals the stream of requestID if userID started it. Unknown ids are ignored.
func (o *Orchestrator) Cancel(userID, requestID string) bool {
	return o.registry.Signal(requestID, userID)
}

func (o *Orchestrator) prepare(ctx context.Context, req StreamRequest) (*turn, error) {
	query := strings.TrimSpace(req.Message)
	if query == "" {
		return nil, ErrEmptyMessage
	}
	t := &turn{requestID: req.RequestID, userID: req.UserID, query: query}
	if t.requestID == "" {
		t.requestID = ulid.Make().String()
	}

	if req.SessionID != "" {
		session, err := o.entities.Sessions.Get(ctx, req.SessionID)
		if errors.Is(err, cache.ErrNotFound) || (err == nil && session.OwnerID != req.UserID) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, err
		}
		if req.WorkspaceID != "" && session.WorkspaceID != "" && session.WorkspaceID != req.WorkspaceID {
			return nil, ErrWorkspaceMismatch
		}
		t.session = session
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" && t.session != nil {
		workspaceID = t.session.WorkspaceID
	}
	if workspaceID != "" {
		ws, err := o.loadWorkspace(ctx, workspaceID, req.UserID)
		if err != nil {
			return nil, err
		}
		t.workspace = ws
	}

	if t.session == nil {
		session := &model.ChatSession{
			ID:      uuid.NewString(),
			OwnerID: req.UserID,
			Title:   sessionTitle(query),
		}
		if t.workspace != nil {
			session.WorkspaceID = t.workspace.ID
			session.RAGType = t.workspace.RAGType
		}
		if err := o.entities.Sessions.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		t.session = session
	}
	return t, nil
}

func (o *Orchestrator) loadWorkspace(ctx context.Context, workspaceID, userID string) (*model.Workspace, error) {
	ws, err := o.entities.Workspaces.Get(ctx, workspaceID)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && ws.OwnerID != userID) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ws.Status.AcceptsDocuments() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotReady, ws.Status)
	}
	return ws, nil
}

func (o *Orchestrator) run(ctx context.Context, t *turn, out chan<- StreamEvent) {
	token := o.registry.GetOrCreate(ctx, t.requestID, t.userID)
	defer o.registry.Release(t.requestID)

	started := time.Now()
	logger := o.logger.With("request_id", t.requestID, "session_id", t.session.ID)
	emit := o.emitter(token, t, out)

	history, err := o.history(token, t.session.ID)
	if err != nil {
		o.fail(token, t, emit, logger, fmt.Errorf("load history: %w", err))
		return
	}

	userMsg := &model.ChatMessage{
		ID:        ulid.Make().String(),
		SessionID: t.session.ID,
		Role:      model.RoleUser,
		Content:   t.query,
	}
	if err := o.entities.Messages.Create(token, userMsg); err != nil {
		o.fail(token, t, emit, logger, fmt.Errorf("persist user message: %w", err))
		return
	}

	var passages []pipeline.Passage
	if t.workspace != nil {
		passages = o.retrieve(token, t, logger)
		if len(passages) == 0 && !Cancelled(token) {
			o.recordPending(token, t, logger)
		}
	}

	prompt := o.prompt(token, history, passages, t.query)
	err = o.generate(token, t, prompt, emit)
	switch {
	case err == nil:
		o.metrics.observe(outcomeCompleted, time.Since(started))
	case errors.Is(err, errGenerationCancelled) || Cancelled(token):
		o.metrics.observe(outcomeCancelled, time.Since(started))
		logger.Info("chat stream cancelled")
	default:
		o.fail(token, t, emit, logger, err)
		o.metrics.observe(outcomeFailed, time.Since(started))
	}
}

// Replay answers a previously unanswerable query into its original session when the
// workspace now has relevant passages. It reports whether an answer was produced.
func (o *Orchestrator) Replay(ctx context.Context, pq *model.PendingQuery) (bool, error) {
	ws, err := o.loadWorkspace(ctx, pq.WorkspaceID, pq.UserID)
	if err != nil {
		return false, err
	}
	session, err := o.entities.Sessions.Get(ctx, pq.SessionID)
	if err != nil {
		return false, fmt.Errorf("load session %s: %w", pq.SessionID, err)
	}
	t := &turn{
		requestID: ulid.Make().String(),
		userID:    pq.UserID,
		query:     pq.Query,
		session:   session,
		workspace: ws,
	}

	token := o.registry.GetOrCreate(ctx, t.requestID, t.userID)
	defer o.registry.Release(t.requestID)
	logger := o.logger.With("request_id", t.requestID, "pending_query_id", pq.ID)

	passages, err := o.retriever.Retrieve(token, ws, pq.Query)
	if err != nil {
		return false, fmt.Errorf("retrieve: %w", err)
	}
	passages = pipeline.Relevant(passages, o.cfg.RelevanceThreshold)
	if len(passages) == 0 {
		return false, nil
	}

	history, err := o.history(token, session.ID)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}
	emit := o.emitter(token, t, nil)
	if err := o.generate(token, t, o.prompt(token, history, passages, pq.Query), emit); err != nil {
		if !errors.Is(err, errGenerationCancelled) {
			o.fail(token, t, emit, logger, err)
		}
		return false, err
	}
	logger.Info("pending query replayed", "passages", len(passages))
	return true, nil
}

// generate streams the answer and, unless cancelled, persists it and emits completion.
func (o *Orchestrator) generate(token context.Context, t *turn, prompt []ai.ChatMessage, emit func(StreamEvent)) error {
	messageID := ulid.Make().String()
	emitted := false
	onChunk := func(chunk string) error {
		if Cancelled(token) {
			return errGenerationCancelled
		}
		emitted = true
		emit(StreamEvent{Type: events.TypeChatChunk, MessageID: messageID, Chunk: chunk})
		return nil
	}

	var (
		full string
		err  error
	)
	if streamer, ok := o.model.(ai.StreamingChatModel); ok {
		full, err = streamer.StreamComplete(token, prompt, onChunk)
		if err != nil && !emitted && !errors.Is(err, errGenerationCancelled) && !Cancelled(token) {
			o.logger.Warn("streaming failed, falling back to single completion", "request_id", t.requestID, "error", err)
			full, err = o.completeOnce(token, prompt, onChunk)
		}
	} else {
		full, err = o.completeOnce(token, prompt, onChunk)
	}
	if err != nil {
		return err
	}
	if Cancelled(token) {
		return errGenerationCancelled
	}

	assistant := &model.ChatMessage{
		ID:        messageID,
		SessionID: t.session.ID,
		Role:      model.RoleAssistant,
		Content:   full,
	}
	if err := o.entities.Messages.Create(token, assistant); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	emit(StreamEvent{Type: events.TypeChatComplete, MessageID: messageID, FullResponse: full})
	return nil
}

func (o *Orchestrator) completeOnce(token context.Context, prompt []ai.ChatMessage, onChunk func(string) error) (string, error) {
	full, err := o.model.Complete(token, prompt)
	if err != nil {
		return "", err
	}
	if err := onChunk(full); err != nil {
		return "", err
	}
	return full, nil
}

func (o *Orchestrator) fail(token context.Context, t *turn, emit func(StreamEvent), logger *slog.Logger, err error) {
	if Cancelled(token) {
		return
	}
	logger.Error("chat stream failed", "error", err)
	emit(StreamEvent{Type: events.TypeChatError, Error: err.Error()})
}

// emitter returns a func that sends ev to out (when set) and publishes it to the user room.
func (o *Orchestrator) emitter(token context.Context, t *turn, out chan<- StreamEvent) func(StreamEvent) {
	room := events.UserRoom(t.userID)
	return func(ev StreamEvent) {
		ev.RequestID = t.requestID
		ev.SessionID = t.session.ID

		var payload any
		switch ev.Type {
		case events.TypeChatChunk:
			payload = events.ChatChunk{Chunk: ev.Chunk, MessageID: ev.MessageID, RequestID: ev.RequestID}
		case events.TypeChatComplete:
			payload = events.ChatComplete{FullResponse: ev.FullResponse, MessageID: ev.MessageID, RequestID: ev.RequestID}
		default:
			payload = events.ChatError{Error: ev.Error, RequestID: ev.RequestID}
		}
		o.bus.Publish(context.WithoutCancel(token), events.New(ev.Type, room, payload))

		if out == nil {
			return
		}
		select {
		case out <- ev:
		case <-token.Done():
		}
	}
}

func (o *Orchestrator) history(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	msgs, err := o.entities.Messages.List(ctx, cache.SessionMessages(sessionID))
	if err != nil {
		return nil, err
	}
	if len(msgs) > o.cfg.HistoryLimit {
		msgs = msgs[len(msgs)-o.cfg.HistoryLimit:]
	}
	return msgs, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, t *turn, logger *slog.Logger) []pipeline.Passage {
	passages, err := o.retriever.Retrieve(ctx, t.workspace, t.query)
	if err != nil {
		logger.Warn("retrieval failed, answering without context", "workspace_id", t.workspace.ID, "error", err)
		return nil
	}
	return pipeline.Relevant(passages, o.cfg.RelevanceThreshold)
}

func (o *Orchestrator) recordPending(ctx context.Context, t *turn, logger *slog.Logger) {
	created, err := o.pending.CreateIfAbsent(ctx, &model.PendingQuery{
		ID:          uuid.NewString(),
		WorkspaceID: t.workspace.ID,
		UserID:      t.userID,
		SessionID:   t.session.ID,
		Query:       t.query,
		Status:      model.PendingQueryPending,
	})
	if err != nil {
		logger.Warn("record pending query failed", "error", err)
		return
	}
	if created {
		logger.Info("no relevant context, query queued for replay", "workspace_id", t.workspace.ID)
	}
}

func (o *Orchestrator) prompt(ctx context.Context, history []model.ChatMessage, passages []pipeline.Passage, query string) []ai.ChatMessage {
	system := o.systemPrompt(ctx)
	if len(passages) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nContext:")
		for _, p := range passages {
			b.WriteString("\n---\n")
			b.WriteString(p.Content)
		}
		b.WriteString("\n---")
		system = b.String()
	}

	messages := make([]ai.ChatMessage, 0, len(history)+2)
	messages = append(messages, ai.ChatMessage{Role: model.RoleSystem, Content: system})
	for _, m := range history {
		messages = append(messages, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, ai.ChatMessage{Role: model.RoleUser, Content: query})
}

func (o *Orchestrator) systemPrompt(ctx context.Context) string {
	setting, err := o.entities.Settings.Get(ctx, model.SettingSystemPrompt)
	if err != nil || strings.TrimSpace(setting.Value) == "" {
		return defaultSystemPrompt
	}
	return setting.Value
}

func sessionTitle(query string) string {
	const maxRunes = 40
	r := []rune(query)
	if len(r) <= maxRunes {
		return query
	}
	return string(r[:maxRunes]) + "..."
}
