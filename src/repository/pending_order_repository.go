package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// PendingOrderRepository handles read/write operations for orders in flight between the
// ledger and the exchange.
type PendingOrderRepository struct {
	db *gorm.DB
}

// NewPendingOrderRepository creates a new repository instance using the main read/write database.
func NewPendingOrderRepository() *PendingOrderRepository {
	return &PendingOrderRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PendingOrderRepository) WithDB(db *gorm.DB) *PendingOrderRepository {
	return &PendingOrderRepository{db: db}
}

// Create inserts a new pending order.
func (r *PendingOrderRepository) Create(ctx context.Context, order *model.PendingOrder) error {
	logger.WithFields(map[string]interface{}{
		"repo":      "PendingOrderRepository",
		"op":        "Create",
		"symbol":    order.Symbol,
		"tag":       order.Tag,
		"purpose":   order.Purpose,
		"client_id": order.ClientOrderID,
	}).Debug("Creating pending order")

	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PendingOrderRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create pending order")
		return err
	}
	return nil
}

// Save persists every field of an existing order.
func (r *PendingOrderRepository) Save(ctx context.Context, order *model.PendingOrder) error {
	return r.db.WithContext(ctx).Save(order).Error
}

// FindByClientOrderID returns (nil, nil) when no order carries the id.
func (r *PendingOrderRepository) FindByClientOrderID(ctx context.Context, clientOrderID string) (*model.PendingOrder, error) {
	var order model.PendingOrder
	err := r.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":      "PendingOrderRepository",
			"op":        "FindByClientOrderID",
			"client_id": clientOrderID,
		}).WithError(err).Error("Failed to fetch pending order")
		return nil, err
	}
	return &order, nil
}

// ListReserved returns every order the ledger is still holding exposure for, oldest first.
func (r *PendingOrderRepository) ListReserved(ctx context.Context) ([]model.PendingOrder, error) {
	var orders []model.PendingOrder
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OrderStatusReserved).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

// ListReservedEntries returns reserved entry orders, optionally for one symbol.
func (r *PendingOrderRepository) ListReservedEntries(ctx context.Context, symbol string) ([]model.PendingOrder, error) {
	q := r.db.WithContext(ctx).
		Where("status = ? AND purpose = ?", model.OrderStatusReserved, model.OrderPurposeEntry)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}

	var orders []model.PendingOrder
	err := q.Order("id ASC").Find(&orders).Error
	return orders, err
}

// FindReservedEntry returns the reserved entry order for (symbol, tag), if any.
func (r *PendingOrderRepository) FindReservedEntry(ctx context.Context, symbol, tag string) (*model.PendingOrder, error) {
	var order model.PendingOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND purpose = ? AND symbol = ? AND tag = ?",
			model.OrderStatusReserved, model.OrderPurposeEntry, symbol, tag).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
