package migrations

import (
	"fmt"
	"time"

	"fundengine/src/model"

	"gorm.io/gorm"
)

// DefaultTag is assigned to positions that predate tagging.
const DefaultTag = "default"

// rebuildPositionsWithTag replaces a legacy positions table, unique on symbol alone, with
// the tagged schema. The constraint cannot be dropped additively on every driver, so the
// table is copied out, dropped, recreated and backfilled. It runs inside RunOnce's
// transaction; a crash anywhere in between leaves the legacy table untouched.
func rebuildPositionsWithTag(tx *gorm.DB) error {
	m := tx.Migrator()
	if !m.HasTable("positions") || m.HasColumn("positions", "tag") {
		return nil
	}

	var legacy []map[string]interface{}
	if err := tx.Table("positions").Find(&legacy).Error; err != nil {
		return fmt.Errorf("read legacy positions: %w", err)
	}

	if err := m.DropTable("positions"); err != nil {
		return fmt.Errorf("drop legacy positions: %w", err)
	}
	if err := m.CreateTable(&model.Position{}); err != nil {
		return fmt.Errorf("recreate positions: %w", err)
	}

	columns, err := m.ColumnTypes(&model.Position{})
	if err != nil {
		return fmt.Errorf("inspect positions: %w", err)
	}
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c.Name()] = true
	}

	now := time.Now().UTC()
	for _, row := range legacy {
		rec := make(map[string]interface{}, len(row)+3)
		for k, v := range row {
			if known[k] && v != nil {
				rec[k] = v
			}
		}
		rec["tag"] = DefaultTag
		if _, ok := rec["side"]; !ok {
			rec["side"] = model.SideLong
		}
		if _, ok := rec["opened_at"]; !ok {
			rec["opened_at"] = now
		}
		if err := tx.Table("positions").Create(rec).Error; err != nil {
			return fmt.Errorf("backfill position %v: %w", row["id"], err)
		}
	}

	return nil
}

// createUniqueIndexes adds the composite keys. Live and candidate tables share embedded
// field structs, so these are created here with explicit names instead of struct tags.
func createUniqueIndexes(tx *gorm.DB) error {
	stmts := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_symbol_tag ON positions (symbol, tag)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_candidate_positions_run_symbol_tag ON candidate_positions (run_id, symbol, tag)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_equity_snapshots_day ON equity_snapshots (day)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_candidate_snapshots_run_day ON candidate_snapshots (run_id, day)",
	}
	for _, s := range stmts {
		if err := tx.Exec(s).Error; err != nil {
			return fmt.Errorf("exec %q: %w", s, err)
		}
	}
	return nil
}
