package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"gopherrag/internal/retry"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type EmbeddingConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
	Timeout   time.Duration
}

type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
}

func NewOpenAIEmbedder(cfg EmbeddingConfig) *OpenAIEmbedder {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10 // many OpenAI-compatible providers cap batch input
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig(cfg.BaseURL, cfg.APIKey, cfg.Timeout)),
		model:     cfg.Model,
		batchSize: batch,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, retry.Permanent(fmt.Errorf("embedding input %d is empty", i))
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, Classify(fmt.Errorf("embedding batch request failed: %w", err))
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", end-start, len(resp.Data))
		}
		data := resp.Data
		sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
		for _, d := range data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}
