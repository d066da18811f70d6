package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"gopherrag/internal/model"
)

// ErrTerminalState is returned when a mutation targets a document that already reached
// ready or failed.
var ErrTerminalState = errors.New("document is in a terminal state")

type DocumentRepository struct {
	table[model.Document]
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{table: table[model.Document]{
		db:      db,
		name:    "document",
		pk:      "id",
		parents: map[string]string{"workspace": "workspace_id"},
		order:   "created_at ASC, id ASC",
	}}
}

// Update applies fields only while the document is not terminal. The guard lives in the
// WHERE clause so concurrent writers cannot move a document out of ready or failed.
func (r *DocumentRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&model.Document{}).
		Where("id = ? AND status NOT IN ?", id, model.TerminalDocumentStatuses).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update document failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Zero rows: either missing, terminal, or the values were already in place.
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("update document %s failed: %w", id, gorm.ErrRecordNotFound)
	}
	if current.Status.Terminal() {
		return ErrTerminalState
	}
	return nil
}

func (r *DocumentRepository) CountByWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("workspace_id = ?", workspaceID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count documents failed: %w", err)
	}
	return count, nil
}
