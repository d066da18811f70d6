package model

import "time"

type ChatSession struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID     string    `gorm:"size:64;not null;index" json:"owner_id"`
	WorkspaceID string    `gorm:"size:36;index" json:"workspace_id,omitempty"` // empty = no workspace
	Title       string    `gorm:"size:128" json:"title"`
	RAGType     RAGType   `gorm:"size:16" json:"rag_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
