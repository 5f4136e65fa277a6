package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// PositionRepository reads and writes open live positions.
type PositionRepository struct {
	db *gorm.DB
}

func NewPositionRepository() *PositionRepository {
	return &PositionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// ListOpen returns every open position ordered by symbol then tag.
func (r *PositionRepository) ListOpen(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).Order("symbol ASC, tag ASC").Find(&positions).Error
	return positions, err
}

// ListBySymbol returns every open tag of symbol.
func (r *PositionRepository) ListBySymbol(ctx context.Context, symbol string) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).Order("tag ASC").Find(&positions).Error
	return positions, err
}

// FindBySymbolTag returns (nil, nil) if no open position matches.
func (r *PositionRepository) FindBySymbolTag(ctx context.Context, symbol, tag string) (*model.Position, error) {
	var p model.Position
	err := r.db.WithContext(ctx).Where("symbol = ? AND tag = ?", symbol, tag).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "FindBySymbolTag",
			"symbol": symbol,
			"tag":    tag,
		}).WithError(err).Error("Failed to fetch position")
		return nil, err
	}
	return &p, nil
}

// FindByID returns (nil, nil) if the position is already gone.
func (r *PositionRepository) FindByID(ctx context.Context, id uint) (*model.Position, error) {
	var p model.Position
	err := r.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListWithBrackets returns positions carrying native stop or take-profit orders.
func (r *PositionRepository) ListWithBrackets(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := r.db.WithContext(ctx).
		Where("stop_order_id <> '' OR take_profit_order_id <> ''").
		Order("id ASC").
		Find(&positions).Error
	return positions, err
}

func (r *PositionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Position{}).Count(&n).Error
	return n, err
}

func (r *PositionRepository) Create(ctx context.Context, p *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "Create",
		"symbol": p.Symbol,
		"tag":    p.Tag,
		"qty":    p.Quantity,
	}).Debug("Opening position")
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PositionRepository) Save(ctx context.Context, p *model.Position) error {
	return r.db.WithContext(ctx).Save(p).Error
}

// Delete removes a closed position. Zero rows affected means somebody else closed it.
func (r *PositionRepository) Delete(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&model.Position{}, id)
	return res.RowsAffected > 0, res.Error
}
