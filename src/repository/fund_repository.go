package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

const fundSettingsID = 1

// FundRepository owns starting capital and the deposit/withdrawal history.
type FundRepository struct {
	db *gorm.DB
}

func NewFundRepository() *FundRepository {
	return &FundRepository{db: database.MainDB}
}

func (r *FundRepository) WithDB(db *gorm.DB) *FundRepository {
	return &FundRepository{db: db}
}

// Settings returns (nil, nil) before starting capital was ever persisted.
func (r *FundRepository) Settings(ctx context.Context) (*model.FundSettings, error) {
	var s model.FundSettings
	err := r.db.WithContext(ctx).First(&s, fundSettingsID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// EnsureStartingCapital persists amount the first time it is called. Later calls return
// the stored row unchanged, whatever amount they pass.
func (r *FundRepository) EnsureStartingCapital(ctx context.Context, amount decimal.Decimal) (*model.FundSettings, error) {
	existing, err := r.Settings(ctx)
	if err != nil || existing != nil {
		return existing, err
	}

	s := &model.FundSettings{ID: fundSettingsID, StartingCapital: amount}
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":             "FundRepository",
		"op":               "EnsureStartingCapital",
		"starting_capital": amount,
	}).Info("Starting capital persisted")
	return s, nil
}

func (r *FundRepository) RecordCapitalEvent(ctx context.Context, e *model.CapitalEvent) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "FundRepository",
		"op":     "RecordCapitalEvent",
		"kind":   e.Kind,
		"amount": e.Amount,
	}).Info("Recording capital event")
	return r.db.WithContext(ctx).Create(e).Error
}

// NetCapitalEvents is deposits minus withdrawals.
func (r *FundRepository) NetCapitalEvents(ctx context.Context) (decimal.Decimal, error) {
	var events []model.CapitalEvent
	if err := r.db.WithContext(ctx).Find(&events).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range events {
		total = total.Add(e.Signed())
	}
	return total, nil
}
