package repository

import (
	"gorm.io/gorm"

	"gopherrag/internal/model"
)

type ChatMessageRepository struct {
	table[model.ChatMessage]
}

func NewChatMessageRepository(db *gorm.DB) *ChatMessageRepository {
	return &ChatMessageRepository{table: table[model.ChatMessage]{
		db:      db,
		name:    "chat message",
		pk:      "id",
		parents: map[string]string{"chat_session": "session_id"},
		order:   "id ASC",
	}}
}
