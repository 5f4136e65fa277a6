package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// SnapshotRepository stores one live equity snapshot per day.
type SnapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{db: database.MainDB}
}

func (r *SnapshotRepository) WithDB(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Upsert writes the snapshot for s.Day, replacing the values of an existing row.
func (r *SnapshotRepository) Upsert(ctx context.Context, s *model.EquitySnapshot) error {
	var existing model.EquitySnapshot
	err := r.db.WithContext(ctx).Where("day = ?", s.Day).First(&existing).Error
	switch {
	case err == nil:
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		return r.db.WithContext(ctx).Save(s).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.db.WithContext(ctx).Create(s).Error
	default:
		return err
	}
}

// FindByDay returns (nil, nil) when no snapshot exists for day.
func (r *SnapshotRepository) FindByDay(ctx context.Context, day string) (*model.EquitySnapshot, error) {
	var s model.EquitySnapshot
	err := r.db.WithContext(ctx).Where("day = ?", day).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Latest returns the most recent snapshot strictly before day, or nil.
func (r *SnapshotRepository) LatestBefore(ctx context.Context, day string) (*model.EquitySnapshot, error) {
	var s model.EquitySnapshot
	err := r.db.WithContext(ctx).Where("day < ?", day).Order("day DESC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PeakEquity is the highest equity ever snapshotted, zero without history.
func (r *SnapshotRepository) PeakEquity(ctx context.Context) (decimal.Decimal, error) {
	var values []decimal.Decimal
	if err := r.db.WithContext(ctx).Model(&model.EquitySnapshot{}).Pluck("peak_equity", &values).Error; err != nil {
		return decimal.Zero, err
	}
	peak := decimal.Zero
	for _, v := range values {
		if v.GreaterThan(peak) {
			peak = v
		}
	}
	return peak, nil
}

func (r *SnapshotRepository) ListRecent(ctx context.Context, limit int) ([]model.EquitySnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	var out []model.EquitySnapshot
	err := r.db.WithContext(ctx).Order("day DESC").Limit(limit).Find(&out).Error
	return out, err
}
