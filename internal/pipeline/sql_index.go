package pipeline

import (
	"context"
	"math"
	"sort"

	"gopherrag/internal/model"
	"gopherrag/internal/repository"
)

// SQLIndex keeps vectors as chunk rows and ranks them by cosine similarity in process.
// Suitable for small workspaces and for running without an external vector database.
type SQLIndex struct {
	chunks *repository.ChunkRepository
}

func NewSQLIndex(chunks *repository.ChunkRepository) *SQLIndex {
	return &SQLIndex{chunks: chunks}
}

func (x *SQLIndex) EnsureCollection(context.Context, string) error { return nil }

func (x *SQLIndex) DropCollection(ctx context.Context, workspaceID string) error {
	return x.chunks.DeleteByWorkspace(ctx, workspaceID)
}

// Upsert replaces every row of documentID.
func (x *SQLIndex) Upsert(ctx context.Context, workspaceID, documentID string, chunks []IndexedChunk) error {
	if err := x.chunks.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	rows := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = model.Chunk{
			DocumentID:  documentID,
			WorkspaceID: workspaceID,
			Ordinal:     c.Ordinal,
			Content:     c.Content,
		}
		rows[i].SetEmbedding(c.Vector)
	}
	return x.chunks.CreateBatch(ctx, rows)
}

func (x *SQLIndex) DeleteDocument(ctx context.Context, _ string, documentID string) error {
	return x.chunks.DeleteByDocument(ctx, documentID)
}

func (x *SQLIndex) Search(ctx context.Context, workspaceID string, vector []float32, topK int) ([]Passage, error) {
	rows, err := x.chunks.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	passages := make([]Passage, 0, len(rows))
	for i := range rows {
		passages = append(passages, Passage{
			DocumentID: rows[i].DocumentID,
			Ordinal:    rows[i].Ordinal,
			Content:    rows[i].Content,
			Score:      cosineSimilarity(vector, rows[i].EmbeddingVector()),
		})
	}
	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score > passages[j].Score })
	if topK > 0 && len(passages) > topK {
		passages = passages[:topK]
	}
	return passages, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
