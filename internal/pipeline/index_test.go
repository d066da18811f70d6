package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"gopherrag/internal/model"
	"gopherrag/internal/repository"
	"gopherrag/internal/retry"
	"gopherrag/internal/testutil"
)

func TestSQLIndexSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	chunks := repository.NewChunkRepository(testutil.NewDB(t))
	idx := NewSQLIndex(chunks)

	require.NoError(t, idx.Upsert(ctx, "w1", "d1", []IndexedChunk{
		{Ordinal: 0, Content: "east", Vector: []float32{1, 0}},
		{Ordinal: 1, Content: "north", Vector: []float32{0, 1}},
	}))
	require.NoError(t, idx.Upsert(ctx, "w2", "d2", []IndexedChunk{
		{Ordinal: 0, Content: "other workspace", Vector: []float32{1, 0}},
	}))

	hits, err := idx.Search(ctx, "w1", []float32{1, 0.1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "east", hits[0].Content)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = idx.Search(ctx, "w1", []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSQLIndexUpsertReplacesDocument(t *testing.T) {
	ctx := context.Background()
	chunks := repository.NewChunkRepository(testutil.NewDB(t))
	idx := NewSQLIndex(chunks)

	require.NoError(t, idx.Upsert(ctx, "w1", "d1", []IndexedChunk{{Content: "a", Vector: []float32{1}}, {Ordinal: 1, Content: "b", Vector: []float32{1}}}))
	require.NoError(t, idx.Upsert(ctx, "w1", "d1", []IndexedChunk{{Content: "c", Vector: []float32{1}}}))

	n, err := chunks.CountByDocument(ctx, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, idx.DeleteDocument(ctx, "w1", "d1"))
	n, err = chunks.CountByDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 1}, []float32{-1, -1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}

func TestIndexRegistryMissingBackendIsPermanent(t *testing.T) {
	reg := NewIndexRegistry()
	reg.Register(model.RAGTypeVector, NewSQLIndex(nil))

	_, err := reg.For(model.RAGTypeVector)
	require.NoError(t, err)

	_, err = reg.For(model.RAGTypeGraph)
	assert.ErrorIs(t, err, ErrNoIndexBackend)
	assert.True(t, retry.IsPermanent(err))
}

func TestRelevantIsStrict(t *testing.T) {
	in := []Passage{{Content: "a", Score: 0.5}, {Content: "b", Score: 0.1}, {Content: "c", Score: 0.09}}
	out := Relevant(in, 0.1)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Content)
}

func TestWeaviateNamingAndParsing(t *testing.T) {
	assert.Equal(t, "Workspace_a1b2_c3", ClassName("a1b2-c3"))
	assert.Equal(t, ChunkObjectID("d1", 3), ChunkObjectID("d1", 3))
	assert.NotEqual(t, ChunkObjectID("d1", 3), ChunkObjectID("d1", 4))

	class := ClassName("w1")
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{
			class: []interface{}{
				map[string]interface{}{
					"content":     "hello",
					"document_id": "d1",
					"ordinal":     float64(2),
					"_additional": map[string]interface{}{"certainty": 0.87},
				},
			},
		},
	}
	passages := parsePassages(data, class)
	require.Len(t, passages, 1)
	assert.Equal(t, Passage{DocumentID: "d1", Ordinal: 2, Content: "hello", Score: 0.87}, passages[0])
}
