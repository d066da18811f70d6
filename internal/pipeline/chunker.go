package pipeline

import (
	"fmt"

	"github.com/tmc/langchaingo/textsplitter"

	"gopherrag/internal/retry"
)

// Chunker splits parsed text into the passages that get embedded.
type Chunker interface {
	Split(text string) ([]string, error)
}

var markdownSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", ""}

// NewChunker builds the chunker registered under name.
func NewChunker(name string, size, overlap int) (Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}
	switch name {
	case "", "recursive":
		return splitter{textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		)}, nil
	case "markdown":
		return splitter{textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(markdownSeparators),
		)}, nil
	case "fixed":
		return fixedChunker{size: size, overlap: overlap}, nil
	default:
		return nil, fmt.Errorf("unknown chunker %q", name)
	}
}

type splitter struct {
	ts textsplitter.TextSplitter
}

func (s splitter) Split(text string) ([]string, error) {
	chunks, err := s.ts.SplitText(text)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("split text: %w", err))
	}
	return compact(chunks), nil
}

// fixedChunker splits by rune count with a fixed overlap.
type fixedChunker struct {
	size    int
	overlap int
}

func (f fixedChunker) Split(text string) ([]string, error) {
	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); {
		end := i + f.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
		i += f.size - f.overlap
	}
	return compact(chunks), nil
}

func compact(chunks []string) []string {
	out := chunks[:0]
	for _, c := range chunks {
		if isBlank(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
