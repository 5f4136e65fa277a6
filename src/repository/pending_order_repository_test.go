package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"fundengine/src/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestPendingOrderRepository_ListReserved(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &PendingOrderRepository{db: mockDB}

	createdAt := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "client_order_id", "purpose", "symbol", "tag", "quantity", "status", "created_at"}).
		AddRow(1, "c-1", model.OrderPurposeEntry, "BTCUSDT", "a", "0.5", model.OrderStatusReserved, createdAt).
		AddRow(2, "c-2", model.OrderPurposeExit, "ETHUSDT", "b", "2", model.OrderStatusReserved, createdAt.Add(time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "pending_orders" WHERE status = $1 ORDER BY created_at ASC, id ASC`)).
		WithArgs(model.OrderStatusReserved).
		WillReturnRows(rows)

	orders, err := repo.ListReserved(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "c-1", orders[0].ClientOrderID)
	assert.True(t, orders[0].Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, model.OrderPurposeExit, orders[1].Purpose)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingOrderRepository_ListReservedEntries(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &PendingOrderRepository{db: mockDB}

	t.Run("all symbols", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "pending_orders" WHERE status = $1 AND purpose = $2 ORDER BY id ASC`)).
			WithArgs(model.OrderStatusReserved, model.OrderPurposeEntry).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		orders, err := repo.ListReservedEntries(context.Background(), "")
		require.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("one symbol", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "pending_orders" WHERE (status = $1 AND purpose = $2) AND symbol = $3 ORDER BY id ASC`)).
			WithArgs(model.OrderStatusReserved, model.OrderPurposeEntry, "BTCUSDT").
			WillReturnRows(sqlmock.NewRows([]string{"id", "symbol"}).AddRow(7, "BTCUSDT"))

		orders, err := repo.ListReservedEntries(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, uint(7), orders[0].ID)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeRepository_RecentNetPnL(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &TradeRepository{db: mockDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "net_pnl" FROM "trades" ORDER BY closed_at DESC, id DESC LIMIT $1`)).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"net_pnl"}).AddRow("-1.5").AddRow("-2").AddRow("4"))

	values, err := repo.RecentNetPnL(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.True(t, values[0].Equal(decimal.RequireFromString("-1.5")))
	assert.True(t, values[2].Equal(decimal.NewFromInt(4)))

	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}
