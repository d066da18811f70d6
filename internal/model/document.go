package model

import "time"

type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentUploading DocumentStatus = "uploading"
	DocumentUploaded  DocumentStatus = "uploaded"
	DocumentParsing   DocumentStatus = "parsing"
	DocumentParsed    DocumentStatus = "parsed"
	DocumentChunking  DocumentStatus = "chunking"
	DocumentChunked   DocumentStatus = "chunked"
	DocumentEmbedding DocumentStatus = "embedding"
	DocumentEmbedded  DocumentStatus = "embedded"
	DocumentIndexing  DocumentStatus = "indexing"
	DocumentIndexed   DocumentStatus = "indexed"
	DocumentReady     DocumentStatus = "ready"
	DocumentFailed    DocumentStatus = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentReady || s == DocumentFailed
}

// TerminalDocumentStatuses lists the states a conditional update must never overwrite.
var TerminalDocumentStatuses = []DocumentStatus{DocumentReady, DocumentFailed}

type Document struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID  string         `gorm:"size:36;not null;index" json:"workspace_id"`
	OwnerID      string         `gorm:"size:64;not null;index" json:"owner_id"`
	Filename     string         `gorm:"size:256;not null" json:"filename"`
	Size         int64          `json:"size"`
	MimeType     string         `gorm:"size:128" json:"mime_type"`
	ParserID     string         `gorm:"size:32" json:"parser_id,omitempty"`
	ContentHash  string         `gorm:"size:64" json:"content_hash"`
	BlobPath     string         `gorm:"size:512" json:"blob_path"`
	ChunkCount   int            `gorm:"not null;default:0" json:"chunk_count"`
	Status       DocumentStatus `gorm:"size:16;not null;index" json:"status"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
