package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pdfchat/internal/model"
)

// TagRepository keeps the global tag vocabulary used for autocompletion.
type TagRepository struct {
	db *gorm.DB
}

func NewTagRepository(db *gorm.DB) *TagRepository {
	return &TagRepository{db: db}
}

func (r *TagRepository) Ensure(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tags := make([]model.Tag, len(names))
	for i, n := range names {
		tags[i] = model.Tag{Name: n}
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&tags).Error
	if err != nil {
		return fmt.Errorf("ensure tags failed: %w", err)
	}
	return nil
}

func (r *TagRepository) List(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).Model(&model.Tag{}).Order("name ASC").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("list tags failed: %w", err)
	}
	return names, nil
}
