package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopherrag/internal/model"
	"gopherrag/internal/retry"
)

var ErrNoIndexBackend = errors.New("no index backend for rag type")

// IndexedChunk is one embedded passage ready to be written to an index.
type IndexedChunk struct {
	Ordinal int
	Content string
	Vector  []float32
}

// Passage is a search hit. Score is a similarity where higher is closer.
type Passage struct {
	DocumentID string  `json:"documentId"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// VectorIndex stores embedded chunks per workspace collection.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, workspaceID string) error
	DropCollection(ctx context.Context, workspaceID string) error
	Upsert(ctx context.Context, workspaceID, documentID string, chunks []IndexedChunk) error
	DeleteDocument(ctx context.Context, workspaceID, documentID string) error
	Search(ctx context.Context, workspaceID string, vector []float32, topK int) ([]Passage, error)
}

// IndexRegistry maps a workspace RAG type to its backend.
type IndexRegistry struct {
	backends map[model.RAGType]VectorIndex
}

func NewIndexRegistry() *IndexRegistry {
	return &IndexRegistry{backends: map[model.RAGType]VectorIndex{}}
}

func (r *IndexRegistry) Register(t model.RAGType, idx VectorIndex) {
	r.backends[t] = idx
}

// Has reports whether a backend is registered for t.
func (r *IndexRegistry) Has(t model.RAGType) bool {
	_, ok := r.backends[t]
	return ok
}

// For returns the backend of t. A missing backend is a permanent error.
func (r *IndexRegistry) For(t model.RAGType) (VectorIndex, error) {
	idx, ok := r.backends[t]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("%w: %q", ErrNoIndexBackend, t))
	}
	return idx, nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
