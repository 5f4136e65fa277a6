package database

import (
	"fmt"

	"fundengine/src/database/migrations"
	"fundengine/src/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MainDB is the primary read/write database connection used by the engine.
var MainDB *gorm.DB

// Models lists every table of the write-side schema.
func Models() []interface{} {
	return []interface{}{
		&model.Position{},
		&model.Trade{},
		&model.PendingOrder{},
		&model.Signal{},
		&model.EquitySnapshot{},
		&model.FundSettings{},
		&model.CapitalEvent{},
		&model.HaltEvent{},
		&model.DeployedModule{},
		&model.Candidate{},
		&model.CandidateRun{},
		&model.CandidatePosition{},
		&model.CandidateTrade{},
		&model.CandidateSignal{},
		&model.CandidateSnapshot{},
		&model.Exception{},
		&migrations.DataMigration{},
	}
}

// Migrate brings db up to the current schema: structural fixes that AutoMigrate cannot
// express, AutoMigrate itself, then the data migrations.
func Migrate(db *gorm.DB) error {
	if err := migrations.PrepareSchema(db); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run auto migrations: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("failed to run data migrations: %w", err)
	}
	return nil
}

// InitMainDB initializes the main (read/write) database connection and runs migrations.
// This should be called once at application startup.
func InitMainDB() error {
	config := GetConfig()
	db, err := Open(config.Driver, config.DatabaseURLMain, config.GormLogLevel, config.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("failed to connect to main database: %w", err)
	}

	// Assign to the global variable only after a successful connection.
	MainDB = db

	logrus.WithFields(map[string]interface{}{"driver": config.Driver}).Info("[database] MainDB connection established")

	if err := Migrate(MainDB); err != nil {
		return err
	}

	logrus.Info("[database] MainDB migrations completed")

	return nil
}
