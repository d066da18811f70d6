package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"gopherrag/internal/model"
)

const chunkInsertBatch = 100

type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(&chunks, chunkInsertBatch).Error; err != nil {
		return fmt.Errorf("create chunks batch failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	if err := r.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("document_id, ordinal").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list chunks by workspace failed: %w", err)
	}
	return chunks, nil
}

func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Chunk{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count chunks failed: %w", err)
	}
	return count, nil
}

func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks by document failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) DeleteByWorkspace(ctx context.Context, workspaceID string) error {
	if err := r.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Delete(&model.Chunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks by workspace failed: %w", err)
	}
	return nil
}
