package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherrag/internal/model"
	"gopherrag/internal/retry"
)

func TestParserResolve(t *testing.T) {
	reg := DefaultParsers()

	tests := []struct {
		name string
		doc  model.Document
		ok   bool
	}{
		{"mime with params", model.Document{Filename: "a.bin", MimeType: "text/plain; charset=utf-8"}, true},
		{"markdown by extension", model.Document{Filename: "README.MD"}, true},
		{"pdf by mime", model.Document{Filename: "x", MimeType: "application/pdf"}, true},
		{"explicit id wins", model.Document{Filename: "x.pdf", ParserID: "text"}, true},
		{"unknown id", model.Document{Filename: "x.txt", ParserID: "docx"}, false},
		{"unknown type", model.Document{Filename: "x.exe", MimeType: "application/octet-stream"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := reg.Resolve(&tt.doc)
			if tt.ok {
				require.NoError(t, err)
				assert.NotNil(t, p)
				return
			}
			assert.ErrorIs(t, err, ErrUnsupportedType)
			assert.True(t, retry.IsPermanent(err))
		})
	}
}

func TestTextParser(t *testing.T) {
	p, err := DefaultParsers().Resolve(&model.Document{Filename: "a.txt"})
	require.NoError(t, err)

	out, err := p.Parse(context.Background(), strings.NewReader("hello\nworld"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", out)
}

func TestPDFParserRejectsGarbage(t *testing.T) {
	p, err := DefaultParsers().Resolve(&model.Document{Filename: "a.pdf"})
	require.NoError(t, err)

	_, err = p.Parse(context.Background(), strings.NewReader("not a pdf"))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}
