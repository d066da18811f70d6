package worker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherrag/internal/cache"
	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/worker"
)

func TestProvisionWorkspace(t *testing.T) {
	f := newFixture(t)
	d := &syncDispatcher{}
	f.deps.Dispatcher = d
	ws := f.workspace(t, "w1", model.WorkspacePending)
	sub := f.hub.Subscribe(16, events.UserRoom("u1"))
	defer sub.Close()

	require.NoError(t, worker.NewLifecycleWorker(f.deps, f.cfg).StartWorkspaceProvision(ws, "u1"))

	got, err := f.entities.Workspaces.Get(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceReady, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, []string{"workspace.provision"}, d.names)
	assert.Equal(t, []string{"provisioning", "ready"}, workspaceStatuses(sub))
}

func TestProvisionWithoutBackendFails(t *testing.T) {
	f := newFixture(t)
	ws := &model.Workspace{ID: "g1", OwnerID: "u1", Name: "graph", RAGType: model.RAGTypeGraph, Status: model.WorkspacePending}
	require.NoError(t, f.entities.Workspaces.Create(context.Background(), ws))

	worker.NewLifecycleWorker(f.deps, f.cfg).ProvisionWorkspace(context.Background(), ws.ID, "u1")

	got, err := f.entities.Workspaces.Get(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no index backend")
}

func TestCleanupWorkspaceCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := f.workspace(t, "w1", model.WorkspaceReady)
	ingest := worker.NewIngestionWorker(f.deps, f.cfg)
	for _, id := range []string{"d1", "d2"} {
		doc := f.document(t, id, ws.ID, id+".txt", "content of "+id)
		ingest.Process(ctx, doc.ID, "u1")
	}
	session := &model.ChatSession{ID: "s1", OwnerID: "u1", WorkspaceID: ws.ID}
	require.NoError(t, f.entities.Sessions.Create(ctx, session))
	require.NoError(t, f.entities.Messages.Create(ctx, &model.ChatMessage{ID: "m1", SessionID: "s1", Role: model.RoleUser, Content: "hi"}))
	_, err := f.pending.CreateIfAbsent(ctx, &model.PendingQuery{ID: "p1", WorkspaceID: ws.ID, UserID: "u1", SessionID: "s1", Query: "q", Status: model.PendingQueryPending})
	require.NoError(t, err)

	// warm the collection caches so stale membership would show
	_, err = f.entities.Documents.List(ctx, cache.WorkspaceDocuments(ws.ID))
	require.NoError(t, err)
	_, err = f.entities.Sessions.List(ctx, cache.UserSessions("u1"))
	require.NoError(t, err)

	sub := f.hub.Subscribe(32, events.WorkspaceRoom(ws.ID))
	defer sub.Close()
	worker.NewLifecycleWorker(f.deps, f.cfg).CleanupWorkspace(ctx, ws.ID, "u1")

	_, err = f.entities.Workspaces.Get(ctx, ws.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	docs, err := f.entities.Documents.List(ctx, cache.WorkspaceDocuments(ws.ID))
	require.NoError(t, err)
	assert.Empty(t, docs)
	sessions, err := f.entities.Sessions.List(ctx, cache.UserSessions("u1"))
	require.NoError(t, err)
	assert.Empty(t, sessions)
	msgs, err := f.entities.Messages.List(ctx, cache.SessionMessages("s1"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	pending, err := f.pending.ListPending(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	chunks, err := f.chunks.ListByWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = f.blobs.Open(ctx, "w1/d1/d1.txt")
	assert.Error(t, err)

	assert.Equal(t, []string{"deleting", "deleted"}, workspaceStatuses(sub))
}

func TestCleanupWorkspaceFailedDocumentKeepsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deps.Chunks = &flakyChunks{ChunkRepository: f.chunks, failDocument: "bad"}
	ws := f.workspace(t, "w1", model.WorkspaceReady)
	f.document(t, "bad", ws.ID, "bad.txt", "x")
	f.document(t, "good", ws.ID, "good.txt", "y")

	worker.NewLifecycleWorker(f.deps, f.cfg).CleanupWorkspace(ctx, ws.ID, "u1")

	got, err := f.entities.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkspaceFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)

	_, err = f.entities.Documents.Get(ctx, "good")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = f.entities.Documents.Get(ctx, "bad")
	assert.NoError(t, err)
}

func TestDocumentCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deps.Dispatcher = &syncDispatcher{}
	ws := f.workspace(t, "w1", model.WorkspaceReady)
	doc := f.document(t, "d1", ws.ID, "a.txt", "something worth indexing")
	worker.NewIngestionWorker(f.deps, f.cfg).Process(ctx, doc.ID, "u1")
	sub := f.hub.Subscribe(8, events.UserRoom("u1"))
	defer sub.Close()

	require.NoError(t, worker.NewLifecycleWorker(f.deps, f.cfg).StartDocumentCleanup(doc, "u1"))

	_, err := f.entities.Documents.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	n, err := f.chunks.CountByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	select {
	case e := <-sub.C:
		p, err := events.Decode[events.DocumentStatus](e)
		require.NoError(t, err)
		assert.Equal(t, "deleted", p.Message)
	default:
		t.Fatal("no deletion event")
	}

	// already gone: no-op
	require.NoError(t, worker.NewLifecycleWorker(f.deps, f.cfg).StartDocumentCleanup(doc, "u1"))
}

func workspaceStatuses(sub *events.Subscription) []string {
	var out []string
	for {
		select {
		case e := <-sub.C:
			if p, err := events.Decode[events.WorkspaceStatus](e); err == nil && e.Type == events.TypeWorkspaceStatus {
				out = append(out, p.Status)
			}
		default:
			return out
		}
	}
}
