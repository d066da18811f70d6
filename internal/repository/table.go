package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// table holds the CRUD shared by every entity that sits behind the cache coordinator.
type table[T any] struct {
	db   *gorm.DB
	name string
	pk   string
	// parents maps a collection parent type ("workspace", "user") to its foreign key column.
	parents map[string]string
	order   string
}

func (t table[T]) byID(id string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: t.pk}, Value: id}
}

func (t table[T]) FindByID(ctx context.Context, id string) (*T, error) {
	var entity T
	if err := t.db.WithContext(ctx).Where(t.byID(id)).Take(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s failed: %w", t.name, err)
	}
	return &entity, nil
}

func (t table[T]) Create(ctx context.Context, entity *T) error {
	if err := t.db.WithContext(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("create %s failed: %w", t.name, err)
	}
	return nil
}

func (t table[T]) Update(ctx context.Context, id string, fields map[string]any) error {
	if err := t.db.WithContext(ctx).Model(new(T)).Where(t.byID(id)).Updates(fields).Error; err != nil {
		return fmt.Errorf("update %s failed: %w", t.name, err)
	}
	return nil
}

func (t table[T]) Delete(ctx context.Context, id string) error {
	if err := t.db.WithContext(ctx).Where(t.byID(id)).Delete(new(T)).Error; err != nil {
		return fmt.Errorf("delete %s failed: %w", t.name, err)
	}
	return nil
}

func (t table[T]) parentColumn(parentType string) (string, error) {
	column, ok := t.parents[parentType]
	if !ok {
		return "", fmt.Errorf("%s has no parent %q", t.name, parentType)
	}
	return column, nil
}

// ListIDs returns the ids of every row owned by the given parent, in listing order.
func (t table[T]) ListIDs(ctx context.Context, parentType, parentID string) ([]string, error) {
	column, err := t.parentColumn(parentType)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = t.db.WithContext(ctx).
		Model(new(T)).
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: parentID}).
		Order(t.order).
		Pluck(t.pk, &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list %s ids by %s failed: %w", t.name, parentType, err)
	}
	return ids, nil
}

func (t table[T]) DeleteByParent(ctx context.Context, parentType, parentID string) error {
	column, err := t.parentColumn(parentType)
	if err != nil {
		return err
	}
	err = t.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: parentID}).
		Delete(new(T)).Error
	if err != nil {
		return fmt.Errorf("delete %s by %s failed: %w", t.name, parentType, err)
	}
	return nil
}
