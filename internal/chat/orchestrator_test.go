package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherrag/internal/ai"
	"gopherrag/internal/cache"
	"gopherrag/internal/chat"
	"gopherrag/internal/dispatch"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/pipeline"
	"gopherrag/internal/repository"
	"gopherrag/internal/testutil"
)

type streamingModel struct {
	chunks    []string
	streamErr error
	complete  string
	// afterChunk runs after the chunk with the given index was delivered.
	afterChunk func(i int)
	mu         sync.Mutex
	prompts    [][]ai.ChatMessage
}

func (m *streamingModel) Complete(_ context.Context, msgs []ai.ChatMessage) (string, error) {
	m.record(msgs)
	return m.complete, nil
}

func (m *streamingModel) StreamComplete(_ context.Context, msgs []ai.ChatMessage, onChunk func(string) error) (string, error) {
	m.record(msgs)
	if m.streamErr != nil {
		return "", m.streamErr
	}
	full := ""
	for i, c := range m.chunks {
		if err := onChunk(c); err != nil {
			return "", err
		}
		full += c
		if m.afterChunk != nil {
			m.afterChunk(i)
		}
	}
	return full, nil
}

func (m *streamingModel) record(msgs []ai.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, msgs)
}

func (m *streamingModel) lastPrompt() []ai.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

type failingModel struct{ err error }

func (m failingModel) Complete(context.Context, []ai.ChatMessage) (string, error) { return "", m.err }

type fakeRetriever struct {
	passages []pipeline.Passage
}

func (r *fakeRetriever) Retrieve(context.Context, *model.Workspace, string) ([]pipeline.Passage, error) {
	return r.passages, nil
}

type fixture struct {
	entities  *cache.Entities
	pending   *repository.PendingQueryRepository
	retriever *fakeRetriever
	hub       *events.Hub
	registry  *chat.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		entities:  testutil.NewEntities(t, db),
		pending:   repository.NewPendingQueryRepository(db),
		retriever: &fakeRetriever{},
		hub:       events.NewHub(testutil.Logger(), nil),
		registry:  chat.NewRegistry(),
	}
	require.NoError(t, f.entities.Workspaces.Create(context.Background(), &model.Workspace{
		ID: "w1", OwnerID: "u1", Name: "docs", RAGType: model.RAGTypeVector, Status: model.WorkspaceReady,
	}))
	return f
}

func (f *fixture) orchestrator(m ai.ChatModel, d chat.Dispatcher) *chat.Orchestrator {
	return chat.NewOrchestrator(chat.Deps{
		Entities:   f.entities,
		Pending:    f.pending,
		Retriever:  f.retriever,
		Model:      m,
		Registry:   f.registry,
		Dispatcher: d,
		Bus:        f.hub,
		Logger:     testutil.Logger(),
	}, chat.Config{HistoryLimit: 10, RelevanceThreshold: 0.1})
}

func drain(t *testing.T, ch <-chan chat.StreamEvent) []chat.StreamEvent {
	t.Helper()
	var out []chat.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func (f *fixture) messages(t *testing.T, sessionID string) []model.ChatMessage {
	t.Helper()
	msgs, err := f.entities.Messages.List(context.Background(), cache.SessionMessages(sessionID))
	require.NoError(t, err)
	return msgs
}

func TestStreamCompletes(t *testing.T) {
	f := newFixture(t)
	f.retriever.passages = []pipeline.Passage{{DocumentID: "d1", Content: "gophers dig tunnels", Score: 0.8}}
	m := &streamingModel{chunks: []string{"They ", "dig."}}
	o := f.orchestrator(m, nil)
	sub := f.hub.Subscribe(16, events.UserRoom("u1"))
	defer sub.Close()

	ch, err := o.Stream(context.Background(), chat.StreamRequest{UserID: "u1", Message: "what do gophers do?", WorkspaceID: "w1", RequestID: "r1"})
	require.NoError(t, err)
	got := drain(t, ch)

	require.Len(t, got, 3)
	assert.Equal(t, events.TypeChatChunk, got[0].Type)
	assert.Equal(t, "They ", got[0].Chunk)
	assert.Equal(t, events.TypeChatComplete, got[2].Type)
	assert.Equal(t, "They dig.", got[2].FullResponse)
	assert.Equal(t, got[0].MessageID, got[2].MessageID)
	assert.Equal(t, "r1", got[2].RequestID)

	msgs := f.messages(t, got[0].SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "They dig.", msgs[1].Content)
	assert.Equal(t, got[2].MessageID, msgs[1].ID)

	prompt := m.lastPrompt()
	assert.Contains(t, prompt[0].Content, "gophers dig tunnels")
	assert.Equal(t, "what do gophers do?", prompt[len(prompt)-1].Content)

	// the bus saw the same sequence
	for _, want := range got {
		select {
		case e := <-sub.C:
			assert.Equal(t, want.Type, e.Type)
		case <-time.After(time.Second):
			t.Fatal("missing bus event")
		}
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestStreamCancelledBeforeFinalChunkIsSilent(t *testing.T) {
	f := newFixture(t)
	m := &streamingModel{chunks: []string{"a", "b", "c"}}
	o := f.orchestrator(m, nil)
	m.afterChunk = func(i int) {
		if i == 0 {
			assert.False(t, o.Cancel("u2", "r-cancel"))
			assert.True(t, o.Cancel("u1", "r-cancel"))
		}
	}

	ch, err := o.Stream(context.Background(), chat.StreamRequest{UserID: "u1", Message: "hello", RequestID: "r-cancel"})
	require.NoError(t, err)
	got := drain(t, ch)

	require.NotEmpty(t, got)
	for _, ev := range got {
		assert.Equal(t, events.TypeChatChunk, ev.Type)
	}
	assert.Len(t, got, 1)

	msgs := f.messages(t, got[0].SessionID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, 0, f.registry.Len())
	assert.False(t, o.Cancel("u1", "r-cancel"))
}

func TestStreamModelErrorEmitsError(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(failingModel{err: errors.New("upstream down")}, nil)

	ch, err := o.Stream(context.Background(), chat.StreamRequest{UserID: "u1", Message: "hello", RequestID: "r2"})
	require.NoError(t, err)
	got := drain(t, ch)

	require.Len(t, got, 1)
	assert.Equal(t, events.TypeChatError, got[0].Type)
	assert.Contains(t, got[0].Error, "upstream down")
	msgs := f.messages(t, got[0].SessionID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestStreamFallsBackToSingleCompletion(t *testing.T) {
	f := newFixture(t)
	m := &streamingModel{streamErr: errors.New("stream unsupported"), complete: "whole answer"}
	o := f.orchestrator(m, nil)

	ch, err := o.Stream(context.Background(), chat.StreamRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	got := drain(t, ch)

	require.Len(t, got, 2)
	assert.Equal(t, "whole answer", got[0].Chunk)
	assert.Equal(t, events.TypeChatComplete, got[1].Type)
	assert.NotEmpty(t, got[1].RequestID)
}

func TestStreamWithoutRelevantContextRecordsPendingQuery(t *testing.T) {
	f := newFixture(t)
	f.retriever.passages = []pipeline.Passage{{DocumentID: "d1", Content: "noise", Score: 0.1}}
	o := f.orchestrator(&streamingModel{chunks: []string{"no idea"}}, nil)

	ch, err := o.Stream(context.Background(), chat.StreamRequest{UserID: "u1", Message: "obscure?", WorkspaceID: "w1"})
	require.NoError(t, err)
	got := drain(t, ch)
	require.Equal(t, events.TypeChatComplete, got[len(got)-1].Type)

	pending, err := f.pending.ListPending(context.Background(), "w1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "obscure?", pending[0].Query)
	assert.Equal(t, "u1", pending[0].UserID)
	assert.Equal(t, got[0].SessionID, pending[0].SessionID)
}

func TestStreamContinuesExistingSessionWithHistory(t *testing.T) {
	f := newFixture(t)
	m := &streamingModel{chunks: []string{"ok"}}
	o := f.orchestrator(m, nil)

	first := drain(t, mustStream(t, o, chat.StreamRequest{UserID: "u1", Message: "first"}))
	sessionID := first[0].SessionID
	drain(t, mustStream(t, o, chat.StreamRequest{UserID: "u1", Message: "second", SessionID: sessionID}))

	prompt := m.lastPrompt()
	require.Len(t, prompt, 4) // system, first, ok, second
	assert.Equal(t, "first", prompt[1].Content)
	assert.Equal(t, "ok", prompt[2].Content)
	assert.Len(t, f.messages(t, sessionID), 4)
}

func TestStreamValidation(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(&streamingModel{}, nil)
	ctx := context.Background()

	_, err := o.Stream(ctx, chat.StreamRequest{UserID: "u1", Message: "  "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)

	_, err = o.Stream(ctx, chat.StreamRequest{UserID: "u1", Message: "hi", SessionID: "missing"})
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	_, err = o.Stream(ctx, chat.StreamRequest{UserID: "u2", Message: "hi", WorkspaceID: "w1"})
	assert.ErrorIs(t, err, chat.ErrWorkspaceNotFound)

	require.NoError(t, f.entities.Workspaces.Update(ctx, "w1", map[string]any{"status": model.WorkspaceDeleting}))
	_, err = o.Stream(ctx, chat.StreamRequest{UserID: "u1", Message: "hi", WorkspaceID: "w1"})
	assert.ErrorIs(t, err, chat.ErrWorkspaceNotReady)
}

func TestSendRunsOnDispatcher(t *testing.T) {
	f := newFixture(t)
	d := dispatch.New(dispatch.Options{Workers: 1, QueueSize: 1, Logger: testutil.Logger()})
	d.Start(context.Background())
	defer d.Shutdown()
	o := f.orchestrator(&streamingModel{chunks: []string{"hi"}}, d)
	sub := f.hub.Subscribe(8, events.UserRoom("u1"))
	defer sub.Close()

	ticket, err := o.Send(context.Background(), chat.StreamRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, ticket.RequestID)
	require.NotEmpty(t, ticket.SessionID)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-sub.C:
			types = append(types, e.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("send produced no events")
		}
	}
	assert.Equal(t, []string{events.TypeChatChunk, events.TypeChatComplete}, types)
}

func TestReplayAnswersIntoOriginalSession(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(&streamingModel{chunks: []string{"now I know"}}, nil)
	ctx := context.Background()

	got := drain(t, mustStream(t, o, chat.StreamRequest{UserID: "u1", Message: "late?", WorkspaceID: "w1"}))
	sessionID := got[0].SessionID
	pending, err := f.pending.ListPending(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := o.Replay(ctx, &pending[0])
	require.NoError(t, err)
	assert.False(t, ok)

	f.retriever.passages = []pipeline.Passage{{DocumentID: "d1", Content: "fresh", Score: 0.9}}
	ok, err = o.Replay(ctx, &pending[0])
	require.NoError(t, err)
	assert.True(t, ok)

	msgs := f.messages(t, sessionID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "now I know", msgs[2].Content)
}

func mustStream(t *testing.T, o *chat.Orchestrator, req chat.StreamRequest) <-chan chat.StreamEvent {
	t.Helper()
	ch, err := o.Stream(context.Background(), req)
	require.NoError(t, err)
	return ch
}
