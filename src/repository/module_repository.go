package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// ModuleRepository keeps the deployment history of strategy and analysis code.
type ModuleRepository struct {
	db *gorm.DB
}

func NewModuleRepository() *ModuleRepository {
	return &ModuleRepository{db: database.MainDB}
}

func (r *ModuleRepository) WithDB(db *gorm.DB) *ModuleRepository {
	return &ModuleRepository{db: db}
}

func (r *ModuleRepository) Create(ctx context.Context, m *model.DeployedModule) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "ModuleRepository",
		"op":      "Create",
		"kind":    m.Kind,
		"version": m.Version,
		"source":  m.Source,
	}).Info("Recording module deployment")
	return r.db.WithContext(ctx).Create(m).Error
}

// LatestDeployed returns the newest deployed row of kind, or nil.
func (r *ModuleRepository) LatestDeployed(ctx context.Context, kind string) (*model.DeployedModule, error) {
	return r.first(ctx, r.db.WithContext(ctx).
		Where("kind = ? AND status = ?", kind, model.ModuleStatusDeployed).
		Order("deployed_at DESC, id DESC"))
}

// PreviousDeployed returns the newest deployed row of kind older than id, or nil.
func (r *ModuleRepository) PreviousDeployed(ctx context.Context, kind string, id uint) (*model.DeployedModule, error) {
	return r.first(ctx, r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND id < ?", kind, model.ModuleStatusDeployed, id).
		Order("id DESC"))
}

func (r *ModuleRepository) first(_ context.Context, q *gorm.DB) (*model.DeployedModule, error) {
	var m model.DeployedModule
	err := q.First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *ModuleRepository) MarkRolledBack(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.DeployedModule{}).
		Where("id = ?", id).
		Update("status", model.ModuleStatusRolledBack).Error
}

func (r *ModuleRepository) ListByKind(ctx context.Context, kind string, limit int) ([]model.DeployedModule, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.DeployedModule
	err := r.db.WithContext(ctx).Where("kind = ?", kind).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
