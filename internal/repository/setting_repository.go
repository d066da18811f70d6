package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gopherrag/internal/model"
)

type SettingRepository struct {
	table[model.Setting]
}

func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{table: table[model.Setting]{db: db, name: "setting", pk: "key", order: "updated_at ASC"}}
}

// Create upserts so repeated writes of the same key behave as a save.
func (r *SettingRepository) Create(ctx context.Context, setting *model.Setting) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(setting).Error; err != nil {
		return fmt.Errorf("save setting failed: %w", err)
	}
	return nil
}

type AppStateRepository struct {
	table[model.AppState]
}

func NewAppStateRepository(db *gorm.DB) *AppStateRepository {
	return &AppStateRepository{table: table[model.AppState]{db: db, name: "app state", pk: "key", order: "updated_at ASC"}}
}

func (r *AppStateRepository) Create(ctx context.Context, state *model.AppState) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(state).Error; err != nil {
		return fmt.Errorf("save app state failed: %w", err)
	}
	return nil
}
