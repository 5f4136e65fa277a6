package repository

import (
	"context"

	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// SignalRepository appends to the live signal log.
type SignalRepository struct {
	db *gorm.DB
}

func NewSignalRepository() *SignalRepository {
	return &SignalRepository{db: database.MainDB}
}

func (r *SignalRepository) WithDB(db *gorm.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

func (r *SignalRepository) Create(ctx context.Context, s *model.Signal) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *SignalRepository) ListRecent(ctx context.Context, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	var signals []model.Signal
	err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&signals).Error
	return signals, err
}
