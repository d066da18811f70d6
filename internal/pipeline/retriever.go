package pipeline

import (
	"context"
	"fmt"

	"gopherrag/internal/ai"
	"gopherrag/internal/model"
)

// Retriever embeds a query and searches the index of a workspace.
type Retriever struct {
	embedder ai.Embedder
	indexes  *IndexRegistry
	topK     int
}

func NewRetriever(embedder ai.Embedder, indexes *IndexRegistry, topK int) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{embedder: embedder, indexes: indexes, topK: topK}
}

func (r *Retriever) Retrieve(ctx context.Context, workspace *model.Workspace, query string) ([]Passage, error) {
	idx, err := r.indexes.For(workspace.RAGType)
	if err != nil {
		return nil, err
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	return idx.Search(ctx, workspace.ID, vectors[0], r.topK)
}

// Relevant keeps the passages scoring strictly above threshold.
func Relevant(passages []Passage, threshold float64) []Passage {
	out := make([]Passage, 0, len(passages))
	for _, p := range passages {
		if p.Score > threshold {
			out = append(out, p)
		}
	}
	return out
}
