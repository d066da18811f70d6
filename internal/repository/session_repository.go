package repository

import (
	"gorm.io/gorm"

	"gopherrag/internal/model"
)

type ChatSessionRepository struct {
	table[model.ChatSession]
}

func NewChatSessionRepository(db *gorm.DB) *ChatSessionRepository {
	return &ChatSessionRepository{table: table[model.ChatSession]{
		db:   db,
		name: "chat session",
		pk:   "id",
		parents: map[string]string{
			"user":      "owner_id",
			"workspace": "workspace_id",
		},
		order: "updated_at DESC, id ASC",
	}}
}
