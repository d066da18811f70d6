package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherrag/internal/cache"
	"gopherrag/internal/model"
	"gopherrag/internal/repository"
	"gopherrag/internal/testutil"
)

type fixture struct {
	entities *cache.Entities
	docs     *repository.DocumentRepository
	srv      *miniredis.Miniredis
}

func newFixture(t *testing.T) (*fixture, func() []string) {
	t.Helper()
	db := testutil.NewDB(t)
	srv, client := testutil.NewRedis(t)

	docs := repository.NewDocumentRepository(db)
	entities := cache.NewEntities(client, cache.Stores{
		Workspaces: repository.NewWorkspaceRepository(db),
		Documents:  docs,
		Sessions:   repository.NewChatSessionRepository(db),
		Messages:   repository.NewChatMessageRepository(db),
		Settings:   repository.NewSettingRepository(db),
		AppState:   repository.NewAppStateRepository(db),
	}, cache.TTLs{
		AppState: time.Minute,
		Entity:   5 * time.Minute,
		Message:  2 * time.Minute,
		Config:   10 * time.Minute,
	}, "test", testutil.Logger(), cache.NewMetrics(prometheus.NewRegistry()))

	return &fixture{entities: entities, docs: docs, srv: srv}, srv.Keys
}

func newDocument(id, workspaceID string) *model.Document {
	return &model.Document{
		ID:          id,
		WorkspaceID: workspaceID,
		OwnerID:     "u1",
		Filename:    id + ".txt",
		Status:      model.DocumentPending,
	}
}

func TestGetPopulatesCache(t *testing.T) {
	f, keys := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d1", "w1")))

	got, err := f.entities.Documents.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1.txt", got.Filename)
	assert.Contains(t, keys(), "test:document:d1")
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	f, _ := newFixture(t)

	_, err := f.entities.Documents.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestUpdateIsVisibleImmediately(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d1", "w1")))
	before, err := f.entities.Documents.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 0, before.ChunkCount)

	require.NoError(t, f.entities.Documents.Update(ctx, "d1", map[string]any{"chunk_count": 12}))

	after, err := f.entities.Documents.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 12, after.ChunkCount)
}

func TestDeleteIsVisibleImmediately(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d1", "w1")))
	_, err := f.entities.Documents.Get(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, f.entities.Documents.Delete(ctx, "d1"))
	_, err = f.entities.Documents.Get(ctx, "d1")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// idempotent
	require.NoError(t, f.entities.Documents.Delete(ctx, "d1"))
}

func TestListSeesCreateAfterCachedList(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()
	scope := cache.WorkspaceDocuments("w1")

	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d1", "w1")))
	first, err := f.entities.Documents.List(ctx, scope)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d2", "w1")))
	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d3", "w2")))

	second, err := f.entities.Documents.List(ctx, scope)
	require.NoError(t, err)
	ids := []string{second[0].ID, second[1].ID}
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)
	assert.Len(t, second, 2)
}

func TestListStoresOnlyIDs(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()
	scope := cache.WorkspaceDocuments("w1")

	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d1", "w1")))
	_, err := f.entities.Documents.List(ctx, scope)
	require.NoError(t, err)

	raw, err := f.srv.Get("test:workspace:w1:documents")
	require.NoError(t, err)
	var env struct {
		V int             `json:"v"`
		T string          `json:"t"`
		D json.RawMessage `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, "document[]", env.T)
	var ids []string
	require.NoError(t, json.Unmarshal(env.D, &ids))
	assert.Equal(t, []string{"d1"}, ids)
}

func TestListRefetchesWhenMemberEvicted(t *testing.T) {
	db := testutil.NewDB(t)
	srv, client := testutil.NewRedis(t)
	docs := repository.NewDocumentRepository(db)
	coord := cache.New[model.Document](client, docs, cache.Spec[model.Document]{
		Kind:    "document",
		Version: 1,
		TTL:     time.Minute,
		ID:      func(d *model.Document) string { return d.ID },
		Scopes: func(d *model.Document) []cache.Scope {
			return []cache.Scope{cache.WorkspaceDocuments(d.WorkspaceID)}
		},
	}, cache.Options{Logger: testutil.Logger()})
	ctx := context.Background()

	require.NoError(t, coord.Create(ctx, newDocument("d1", "w1")))
	require.NoError(t, coord.Create(ctx, newDocument("d2", "w1")))
	_, err := coord.List(ctx, cache.WorkspaceDocuments("w1"))
	require.NoError(t, err)

	// Evict one member and change the other behind the cache's back.
	srv.Del("document:d1")
	require.NoError(t, docs.Update(ctx, "d2", map[string]any{"chunk_count": 7}))

	list, err := coord.List(ctx, cache.WorkspaceDocuments("w1"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	// The whole collection was re-read, but d2 was still cached individually.
	assert.True(t, srv.Exists("document:d1"))
}

func TestStaleEnvelopeIsMiss(t *testing.T) {
	db := testutil.NewDB(t)
	srv, client := testutil.NewRedis(t)
	docs := repository.NewDocumentRepository(db)
	spec := cache.Spec[model.Document]{
		Kind: "document",
		TTL:  time.Minute,
		ID:   func(d *model.Document) string { return d.ID },
	}
	ctx := context.Background()

	spec.Version = 1
	v1 := cache.New[model.Document](client, docs, spec, cache.Options{Logger: testutil.Logger()})
	require.NoError(t, v1.Create(ctx, newDocument("d1", "w1")))
	_, err := v1.Get(ctx, "d1")
	require.NoError(t, err)

	require.NoError(t, docs.Update(ctx, "d1", map[string]any{"filename": "renamed.txt"}))

	spec.Version = 2
	v2 := cache.New[model.Document](client, docs, spec, cache.Options{Logger: testutil.Logger()})
	got, err := v2.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", got.Filename)

	// Garbage and partial payloads are misses as well.
	require.NoError(t, srv.Set("document:d1", `{"v":2,"t":"document","d":{"id":"d1","bogus":1}}`))
	got, err = v2.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", got.Filename)
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	srv, client := testutil.NewRedis(t)
	docs := repository.NewDocumentRepository(db)
	coord := cache.New[model.Document](client, docs, cache.Spec[model.Document]{
		Kind: "document", Version: 1, TTL: time.Minute,
		ID: func(d *model.Document) string { return d.ID },
	}, cache.Options{Logger: testutil.Logger()})
	require.NoError(t, coord.Create(ctx, newDocument("d9", "w1")))
	srv.Close()

	got, err := coord.Get(ctx, "d9")
	require.NoError(t, err)
	assert.Equal(t, "d9", got.ID)
	require.NoError(t, coord.Update(ctx, "d9", map[string]any{"chunk_count": 3}))
	got, err = coord.Get(ctx, "d9")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ChunkCount)
}

func TestTerminalDocumentRejectsUpdate(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.entities.Documents.Create(ctx, newDocument("d1", "w1")))
	require.NoError(t, f.entities.Documents.Update(ctx, "d1", map[string]any{"status": model.DocumentReady}))

	err := f.entities.Documents.Update(ctx, "d1", map[string]any{"status": model.DocumentParsing})
	assert.ErrorIs(t, err, repository.ErrTerminalState)

	got, err := f.entities.Documents.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentReady, got.Status)
}

func TestSettingsUpsertThroughCreate(t *testing.T) {
	f, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.entities.Settings.Create(ctx, &model.Setting{Key: model.SettingSystemPrompt, Value: "a"}))
	got, err := f.entities.Settings.Get(ctx, model.SettingSystemPrompt)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Value)

	require.NoError(t, f.entities.Settings.Create(ctx, &model.Setting{Key: model.SettingSystemPrompt, Value: "b"}))
	got, err = f.entities.Settings.Get(ctx, model.SettingSystemPrompt)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Value)
}

// cancellingStore cancels the caller's context right after each committed write.
type cancellingStore struct {
	*repository.DocumentRepository
	cancel context.CancelFunc
}

func (s cancellingStore) Update(ctx context.Context, id string, fields map[string]any) error {
	err := s.DocumentRepository.Update(ctx, id, fields)
	s.cancel()
	return err
}

func (s cancellingStore) Delete(ctx context.Context, id string) error {
	err := s.DocumentRepository.Delete(ctx, id)
	s.cancel()
	return err
}

func TestInvalidationSurvivesCancelledCaller(t *testing.T) {
	db := testutil.NewDB(t)
	_, client := testutil.NewRedis(t)
	docs := repository.NewDocumentRepository(db)
	coord := cache.New[model.Document](client, docs, cache.Spec[model.Document]{
		Kind: "document", Version: 1, TTL: time.Minute,
		ID: func(d *model.Document) string { return d.ID },
	}, cache.Options{Logger: testutil.Logger()})
	bg := context.Background()
	require.NoError(t, coord.Create(bg, newDocument("d1", "w1")))
	_, err := coord.Get(bg, "d1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	store := cancellingStore{DocumentRepository: docs, cancel: cancel}
	writer := cache.New[model.Document](client, store, cache.Spec[model.Document]{
		Kind: "document", Version: 1, TTL: time.Minute,
		ID: func(d *model.Document) string { return d.ID },
	}, cache.Options{Logger: testutil.Logger()})
	require.NoError(t, writer.Update(ctx, "d1", map[string]any{"chunk_count": 12}))
	require.Error(t, ctx.Err())

	got, err := coord.Get(bg, "d1")
	require.NoError(t, err)
	assert.Equal(t, 12, got.ChunkCount)

	ctx, cancel = context.WithCancel(bg)
	store.cancel = cancel
	writer = cache.New[model.Document](client, store, cache.Spec[model.Document]{
		Kind: "document", Version: 1, TTL: time.Minute,
		ID: func(d *model.Document) string { return d.ID },
	}, cache.Options{Logger: testutil.Logger()})
	require.NoError(t, writer.Delete(ctx, "d1"))

	_, err = coord.Get(bg, "d1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
