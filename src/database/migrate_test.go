package database_test

import (
	"testing"
	"time"

	"fundengine/src/database"
	"fundengine/src/database/dbtest"
	"fundengine/src/database/migrations"
	"fundengine/src/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPosition(symbol, tag string) model.Position {
	return model.Position{PositionFields: model.PositionFields{
		Symbol:        symbol,
		Tag:           tag,
		Side:          model.SideLong,
		Quantity:      decimal.NewFromInt(1),
		AvgEntryPrice: decimal.NewFromInt(100),
		OpenedAt:      time.Now().UTC(),
	}}
}

func TestMigrate_FreshSchemaEnforcesSymbolTag(t *testing.T) {
	db := dbtest.New(t)

	a := newPosition("BTCUSDT", "a")
	b := newPosition("BTCUSDT", "b")
	require.NoError(t, db.Create(&a).Error)
	require.NoError(t, db.Create(&b).Error)

	dup := newPosition("BTCUSDT", "a")
	assert.Error(t, db.Create(&dup).Error)
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := dbtest.New(t)
	require.NoError(t, database.Migrate(db))

	var count int64
	require.NoError(t, db.Model(&migrations.DataMigration{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestMigrate_RebuildsLegacyPositions(t *testing.T) {
	db := dbtest.Open(t)

	require.NoError(t, db.Exec(`CREATE TABLE positions (
		id integer primary key autoincrement,
		symbol text not null unique,
		side text,
		quantity numeric not null,
		avg_entry_price numeric not null,
		opened_at datetime,
		legacy_note text
	)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO positions (symbol, side, quantity, avg_entry_price, opened_at) VALUES
		('BTCUSDT', 'long', 0.5, 20000, '2024-01-01 00:00:00'),
		('ETHUSDT', 'long', 2, 1500, '2024-01-02 00:00:00')`).Error)

	require.NoError(t, database.Migrate(db))

	var rows []model.Position
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, p := range rows {
		assert.Equal(t, migrations.DefaultTag, p.Tag)
	}
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.True(t, rows[0].Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, rows[1].AvgEntryPrice.Equal(decimal.NewFromInt(1500)))

	// the old symbol-only constraint is gone
	second := newPosition("BTCUSDT", "breakout")
	require.NoError(t, db.Create(&second).Error)

	assert.False(t, db.Migrator().HasColumn("positions", "legacy_note"))
}
