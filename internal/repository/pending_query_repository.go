package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"gopherrag/internal/model"
)

type PendingQueryRepository struct {
	db *gorm.DB
}

func NewPendingQueryRepository(db *gorm.DB) *PendingQueryRepository {
	return &PendingQueryRepository{db: db}
}

// CreateIfAbsent records q unless an identical pending query already exists for the same
// session. It reports whether a row was written.
func (r *PendingQueryRepository) CreateIfAbsent(ctx context.Context, q *model.PendingQuery) (bool, error) {
	var existing model.PendingQuery
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND session_id = ? AND query = ? AND status = ?",
			q.WorkspaceID, q.SessionID, q.Query, model.PendingQueryPending).
		Take(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("find pending query failed: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(q).Error; err != nil {
		return false, fmt.Errorf("create pending query failed: %w", err)
	}
	return true, nil
}

func (r *PendingQueryRepository) ListPending(ctx context.Context, workspaceID string) ([]model.PendingQuery, error) {
	var list []model.PendingQuery
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND status = ?", workspaceID, model.PendingQueryPending).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list pending queries failed: %w", err)
	}
	return list, nil
}

func (r *PendingQueryRepository) MarkReplayed(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&model.PendingQuery{}).
		Where("id = ? AND status = ?", id, model.PendingQueryPending).
		Updates(map[string]any{"status": model.PendingQueryReplayed, "attempts": gorm.Expr("attempts + 1")}).Error
	if err != nil {
		return fmt.Errorf("mark pending query replayed failed: %w", err)
	}
	return nil
}

// RecordMiss counts one more replay without context and expires the query once maxAttempts
// is reached. It returns the resulting status.
func (r *PendingQueryRepository) RecordMiss(ctx context.Context, id string, maxAttempts int) (model.PendingQueryStatus, error) {
	var status model.PendingQueryStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q model.PendingQuery
		if err := tx.Where("id = ?", id).Take(&q).Error; err != nil {
			return err
		}
		if q.Status != model.PendingQueryPending {
			status = q.Status
			return nil
		}
		q.Attempts++
		status = model.PendingQueryPending
		if q.Attempts >= maxAttempts {
			status = model.PendingQueryExpired
		}
		return tx.Model(&model.PendingQuery{}).
			Where("id = ?", id).
			Updates(map[string]any{"attempts": q.Attempts, "status": status}).Error
	})
	if err != nil {
		return "", fmt.Errorf("record pending query miss failed: %w", err)
	}
	return status, nil
}

func (r *PendingQueryRepository) DeleteByWorkspace(ctx context.Context, workspaceID string) error {
	if err := r.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Delete(&model.PendingQuery{}).Error; err != nil {
		return fmt.Errorf("delete pending queries failed: %w", err)
	}
	return nil
}
