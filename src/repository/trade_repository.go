package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// TradeRepository appends and reads closed live trades. Trades are never updated.
type TradeRepository struct {
	db *gorm.DB
}

func NewTradeRepository() *TradeRepository {
	return &TradeRepository{db: database.MainDB}
}

func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func (r *TradeRepository) Create(ctx context.Context, t *model.Trade) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "TradeRepository",
		"op":      "Create",
		"symbol":  t.Symbol,
		"tag":     t.Tag,
		"net_pnl": t.NetPnL,
		"reason":  t.CloseReason,
	}).Info("Recording closed trade")
	return r.db.WithContext(ctx).Create(t).Error
}

// RealizedNet sums net P&L over every trade ever closed.
func (r *TradeRepository) RealizedNet(ctx context.Context) (decimal.Decimal, error) {
	return r.sumNet(ctx, time.Time{})
}

// RealizedNetSince sums net P&L of trades closed at or after since.
func (r *TradeRepository) RealizedNetSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return r.sumNet(ctx, since)
}

func (r *TradeRepository) sumNet(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	q := r.db.WithContext(ctx).Model(&model.Trade{})
	if !since.IsZero() {
		q = q.Where("closed_at >= ?", since)
	}

	// summed in Go so numeric precision does not depend on the driver
	var values []decimal.Decimal
	if err := q.Pluck("net_pnl", &values).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total, nil
}

// RecentNetPnL returns net P&L of the latest trades, newest first.
func (r *TradeRepository) RecentNetPnL(ctx context.Context, limit int) ([]decimal.Decimal, error) {
	var values []decimal.Decimal
	err := r.db.WithContext(ctx).Model(&model.Trade{}).
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Pluck("net_pnl", &values).Error
	return values, err
}

func (r *TradeRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Trade{}).Where("closed_at >= ?", since).Count(&n).Error
	return n, err
}

// ListRecent returns the latest trades, newest first.
func (r *TradeRepository) ListRecent(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []model.Trade
	err := r.db.WithContext(ctx).Order("closed_at DESC, id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}
