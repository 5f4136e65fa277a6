// Package dbtest opens throwaway migrated databases for package tests.
package dbtest

import (
	"fmt"
	"testing"

	"fundengine/src/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN returns a private shared-cache in-memory SQLite DSN.
func DSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

// Open returns an unmigrated in-memory database that lives until the test ends.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, DSN(), int(logger.Silent), 1)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// New returns an in-memory database with the full schema applied.
func New(t *testing.T) *gorm.DB {
	t.Helper()
	db := Open(t)
	require.NoError(t, database.Migrate(db))
	return db
}
