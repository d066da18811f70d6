package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is append-only. IDs are ULIDs so lexical order matches creation order.
type ChatMessage struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"session_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"` // JSON object
	CreatedAt time.Time `json:"created_at"`
}
