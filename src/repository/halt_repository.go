package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

type HaltRepository struct {
	db *gorm.DB
}

func NewHaltRepository() *HaltRepository {
	return &HaltRepository{db: database.MainDB}
}

func (r *HaltRepository) WithDB(db *gorm.DB) *HaltRepository {
	return &HaltRepository{db: db}
}

func (r *HaltRepository) Create(ctx context.Context, e *model.HaltEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// Latest returns the newest transition or nil.
func (r *HaltRepository) Latest(ctx context.Context) (*model.HaltEvent, error) {
	var e model.HaltEvent
	err := r.db.WithContext(ctx).Order("id DESC").First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
