package model

import "time"

// Setting is rarely-changing runtime configuration, e.g. the chat system prompt.
type Setting struct {
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppState is volatile application state such as the last ingestion timestamp.
type AppState struct {
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	SettingSystemPrompt   = "system_prompt"
	AppStateLastIngestion = "last_ingestion_at"
	AppStateLastCleanup   = "last_cleanup_at"
)

// All returns every persisted model, in migration order.
func All() []any {
	return []any{
		&Workspace{},
		&Document{},
		&Chunk{},
		&ChatSession{},
		&ChatMessage{},
		&PendingQuery{},
		&Setting{},
		&AppState{},
	}
}
