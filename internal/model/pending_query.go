package model

import "time"

type PendingQueryStatus string

const (
	PendingQueryPending  PendingQueryStatus = "pending"
	PendingQueryReplayed PendingQueryStatus = "replayed"
	PendingQueryExpired  PendingQueryStatus = "expired"
)

// PendingQuery is a chat query that found no relevant context. It is replayed when a
// document of the same workspace becomes ready.
type PendingQuery struct {
	ID          string             `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID string             `gorm:"size:36;not null;index:idx_pending_ws_status" json:"workspace_id"`
	UserID      string             `gorm:"size:64;not null" json:"user_id"`
	SessionID   string             `gorm:"size:36;not null" json:"session_id"`
	Query       string             `gorm:"type:text;not null" json:"query"`
	Status      PendingQueryStatus `gorm:"size:16;not null;index:idx_pending_ws_status" json:"status"`
	Attempts    int                `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
