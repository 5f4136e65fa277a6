// Package migrations holds the schema and data migrations AutoMigrate cannot express.
package migrations

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DataMigration tracks executed data migrations.
// Table name is fixed to avoid collisions with other models.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

func ensureDataMigrationsTable(db *gorm.DB) error {
	return db.AutoMigrate(&DataMigration{})
}

// RunOnce runs fn only if migrationID was not executed before.
// fn and the bookkeeping row share one transaction, so a crash leaves either both or
// neither committed.
func RunOnce(db *gorm.DB, migrationID string, fn func(*gorm.DB) error) error {
	if db == nil {
		return nil
	}
	if migrationID == "" {
		return fmt.Errorf("migration id is empty")
	}
	if fn == nil {
		return fmt.Errorf("migration %q has nil fn", migrationID)
	}

	if err := ensureDataMigrationsTable(db); err != nil {
		return fmt.Errorf("ensure data migrations table: %w", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var m DataMigration
		err := tx.First(&m, "id = ?", migrationID).Error
		if err == nil {
			// already applied
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check migration %q: %w", migrationID, err)
		}

		if err := fn(tx); err != nil {
			return fmt.Errorf("run migration %q: %w", migrationID, err)
		}

		rec := DataMigration{
			ID:        migrationID,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", migrationID, err)
		}

		return nil
	})
}

type step struct {
	id string
	fn func(*gorm.DB) error
}

// Steps keep their ids forever; new ones are appended.
var (
	beforeAutoMigrate = []step{
		{id: "00001_positions_unique_symbol_tag", fn: rebuildPositionsWithTag},
	}
	afterAutoMigrate = []step{
		{id: "00002_unique_indexes", fn: createUniqueIndexes},
	}
)

func runSteps(db *gorm.DB, steps []step) error {
	if db == nil {
		return nil
	}
	for _, s := range steps {
		if err := RunOnce(db, s.id, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// PrepareSchema runs the structural migrations that must happen before AutoMigrate.
func PrepareSchema(db *gorm.DB) error { return runSteps(db, beforeAutoMigrate) }

// Run executes the data migrations that go beyond schema auto-migrations.
func Run(db *gorm.DB) error { return runSteps(db, afterAutoMigrate) }
