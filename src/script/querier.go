package script

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"fundengine/src/sandbox"
	"fundengine/src/sdk"
)

// ReadOnlyQuerier executes analysis queries. Each query is re-checked on the exact text
// handed to the driver, so static validation and execution never disagree.
type ReadOnlyQuerier struct {
	ctx     context.Context
	db      *gorm.DB
	maxRows int
}

func NewReadOnlyQuerier(ctx context.Context, db *gorm.DB, maxRows int) *ReadOnlyQuerier {
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &ReadOnlyQuerier{ctx: ctx, db: db, maxRows: maxRows}
}

func (q *ReadOnlyQuerier) Query(query string, args ...interface{}) ([]sdk.Row, error) {
	if v := sandbox.CheckQuery(query); len(v) > 0 {
		return nil, &sandbox.RejectedError{Verdict: sandbox.Verdict{Tier: sandbox.TierAnalysis, Violations: v}}
	}

	var raw []map[string]interface{}
	run := func(tx *gorm.DB) error {
		return tx.Raw(query, args...).Scan(&raw).Error
	}

	var err error
	if q.db.Dialector.Name() == "postgres" {
		err = q.db.WithContext(q.ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("SET TRANSACTION READ ONLY").Error; err != nil {
				return err
			}
			return run(tx)
		})
	} else {
		err = run(q.db.WithContext(q.ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("analysis query: %w", err)
	}

	if len(raw) > q.maxRows {
		raw = raw[:q.maxRows]
	}
	rows := make([]sdk.Row, len(raw))
	for i, r := range raw {
		rows[i] = sdk.Row(r)
	}
	return rows, nil
}
