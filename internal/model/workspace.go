package model

import "time"

type RAGType string

const (
	RAGTypeVector RAGType = "vector"
	RAGTypeGraph  RAGType = "graph"
)

type WorkspaceStatus string

const (
	WorkspacePending      WorkspaceStatus = "pending"
	WorkspaceProvisioning WorkspaceStatus = "provisioning"
	WorkspaceReady        WorkspaceStatus = "ready"
	WorkspaceUpdating     WorkspaceStatus = "updating"
	WorkspaceDegraded     WorkspaceStatus = "degraded"
	WorkspaceDeleting     WorkspaceStatus = "deleting"
	WorkspaceDeleted      WorkspaceStatus = "deleted"
	WorkspaceFailed       WorkspaceStatus = "failed"
)

// AcceptsDocuments reports whether documents may be ingested into a workspace in status s.
func (s WorkspaceStatus) AcceptsDocuments() bool {
	return s == WorkspaceReady || s == WorkspaceUpdating || s == WorkspaceDegraded
}

type Workspace struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string          `gorm:"size:64;not null;index" json:"owner_id"`
	Name         string          `gorm:"size:128;not null" json:"name"`
	Description  string          `gorm:"type:text" json:"description"`
	RAGType      RAGType         `gorm:"size:16;not null" json:"rag_type"`
	Status       WorkspaceStatus `gorm:"size:16;not null;index" json:"status"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
