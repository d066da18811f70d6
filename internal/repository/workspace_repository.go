package repository

import (
	"gorm.io/gorm"

	"gopherrag/internal/model"
)

type WorkspaceRepository struct {
	table[model.Workspace]
}

func NewWorkspaceRepository(db *gorm.DB) *WorkspaceRepository {
	return &WorkspaceRepository{table: table[model.Workspace]{
		db:      db,
		name:    "workspace",
		pk:      "id",
		parents: map[string]string{"user": "owner_id"},
		order:   "created_at ASC, id ASC",
	}}
}
