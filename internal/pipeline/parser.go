package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"gopherrag/internal/model"
	"gopherrag/internal/retry"
)

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyContent    = errors.New("document has no extractable text")
)

// Parser extracts plain text from a document body.
type Parser interface {
	Parse(ctx context.Context, r io.Reader) (string, error)
}

type ParserFunc func(ctx context.Context, r io.Reader) (string, error)

func (f ParserFunc) Parse(ctx context.Context, r io.Reader) (string, error) { return f(ctx, r) }

// ParserRegistry resolves a parser by explicit id, then by mime type, then by file extension.
type ParserRegistry struct {
	byID   map[string]Parser
	byMime map[string]string
	byExt  map[string]string
}

func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{
		byID:   map[string]Parser{},
		byMime: map[string]string{},
		byExt:  map[string]string{},
	}
}

// DefaultParsers registers the text, markdown and pdf parsers.
func DefaultParsers() *ParserRegistry {
	r := NewParserRegistry()
	r.Register("text", ParserFunc(parseText), []string{"text/plain"}, []string{".txt", ".text", ".log", ".csv"})
	r.Register("markdown", ParserFunc(parseText), []string{"text/markdown", "text/x-markdown"}, []string{".md", ".markdown"})
	r.Register("pdf", ParserFunc(parsePDF), []string{"application/pdf"}, []string{".pdf"})
	return r
}

func (r *ParserRegistry) Register(id string, p Parser, mimeTypes, extensions []string) {
	r.byID[id] = p
	for _, m := range mimeTypes {
		r.byMime[m] = id
	}
	for _, e := range extensions {
		r.byExt[strings.ToLower(e)] = id
	}
}

// Resolve picks the parser for doc. The error is permanent: retrying cannot fix it.
func (r *ParserRegistry) Resolve(doc *model.Document) (Parser, error) {
	if doc.ParserID != "" {
		if p, ok := r.byID[doc.ParserID]; ok {
			return p, nil
		}
		return nil, retry.Permanent(fmt.Errorf("%w: parser %q", ErrUnsupportedType, doc.ParserID))
	}
	if doc.MimeType != "" {
		mt, _, err := mime.ParseMediaType(doc.MimeType)
		if err == nil {
			if id, ok := r.byMime[mt]; ok {
				return r.byID[id], nil
			}
		}
	}
	if id, ok := r.byExt[strings.ToLower(filepath.Ext(doc.Filename))]; ok {
		return r.byID[id], nil
	}
	return nil, retry.Permanent(fmt.Errorf("%w: %q (%s)", ErrUnsupportedType, doc.Filename, doc.MimeType))
}

func parseText(_ context.Context, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parsePDF(_ context.Context, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	pdfReader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("open pdf: %w", err))
	}
	plain, err := pdfReader.GetPlainText()
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("extract pdf text: %w", err))
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
