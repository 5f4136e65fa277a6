package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReadOnlyDB serves analysis modules. The database user behind DATABASE_URL_READONLY
// should have SELECT-only permissions; when it is unset the main connection is reused
// and read-only behavior relies on the query checks in the script runtime.
var ReadOnlyDB *gorm.DB

// InitReadOnlyDB initializes the read-only database connection.
// It does not run any migrations and should only be used for reading data.
func InitReadOnlyDB() error {
	config := GetConfig()
	if config.DatabaseURLReadOnly == "" {
		if MainDB == nil {
			return fmt.Errorf("no read-only database configured and MainDB not initialized")
		}
		ReadOnlyDB = MainDB
		logrus.Warn("[ReadOnlyDB] DATABASE_URL_READONLY not set, reusing MainDB")
		return nil
	}

	db, err := Open(config.Driver, config.DatabaseURLReadOnly, config.GormLogLevel, config.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("failed to connect to read-only database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	var count int64
	if err := db.Table("trades").Count(&count).Error; err != nil {
		return fmt.Errorf("failed to access trades on ReadOnlyDB: %w", err)
	}

	logrus.WithFields(map[string]interface{}{"trades": count}).Info("[ReadOnlyDB] trades reachable")

	ReadOnlyDB = db

	return nil
}
