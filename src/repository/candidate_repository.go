package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/database"
	"fundengine/src/model"
)

// CandidateRepository owns candidate lifecycle rows and the simulated ledger tables.
// Every simulated row is scoped by run id; the live tables are never touched here.
type CandidateRepository struct {
	db *gorm.DB
}

func NewCandidateRepository() *CandidateRepository {
	return &CandidateRepository{db: database.MainDB}
}

func (r *CandidateRepository) WithDB(db *gorm.DB) *CandidateRepository {
	return &CandidateRepository{db: db}
}

// Transaction runs fn with a repository bound to one transaction.
func (r *CandidateRepository) Transaction(ctx context.Context, fn func(tx *CandidateRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithDB(tx))
	})
}

// ---------------------------------------------------
// Lifecycle
// ---------------------------------------------------

// SaveCandidate inserts or overwrites the slot row.
func (r *CandidateRepository) SaveCandidate(ctx context.Context, c *model.Candidate) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "CandidateRepository",
		"op":     "SaveCandidate",
		"slot":   c.Slot,
		"run_id": c.RunID,
		"status": c.Status,
	}).Debug("Saving candidate slot")
	return r.db.WithContext(ctx).Save(c).Error
}

// FindCandidate returns (nil, nil) for an empty slot.
func (r *CandidateRepository) FindCandidate(ctx context.Context, slot int) (*model.Candidate, error) {
	var c model.Candidate
	err := r.db.WithContext(ctx).First(&c, "slot = ?", slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CandidateRepository) ListCandidates(ctx context.Context) ([]model.Candidate, error) {
	var out []model.Candidate
	err := r.db.WithContext(ctx).Order("slot ASC").Find(&out).Error
	return out, err
}

func (r *CandidateRepository) ListActive(ctx context.Context) ([]model.Candidate, error) {
	var out []model.Candidate
	err := r.db.WithContext(ctx).Where("status = ?", model.CandidateStatusActive).Order("slot ASC").Find(&out).Error
	return out, err
}

func (r *CandidateRepository) CreateRun(ctx context.Context, run *model.CandidateRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// ResolveRun moves a run to a terminal status.
func (r *CandidateRepository) ResolveRun(ctx context.Context, runID, status, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.CandidateRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{"status": status, "reason": reason, "resolved_at": at}).Error
}

// ListPurgeable returns canceled runs resolved before cutoff that still hold rows.
func (r *CandidateRepository) ListPurgeable(ctx context.Context, cutoff time.Time) ([]model.CandidateRun, error) {
	var out []model.CandidateRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND purged = ? AND resolved_at < ?", model.CandidateStatusCanceled, false, cutoff).
		Order("resolved_at ASC").
		Find(&out).Error
	return out, err
}

// PurgeRun deletes every simulated row of runID and marks the run purged.
func (r *CandidateRepository) PurgeRun(ctx context.Context, runID string) error {
	db := r.db.WithContext(ctx)
	for _, m := range []interface{}{
		&model.CandidatePosition{},
		&model.CandidateTrade{},
		&model.CandidateSignal{},
		&model.CandidateSnapshot{},
	} {
		if err := db.Where("run_id = ?", runID).Delete(m).Error; err != nil {
			return err
		}
	}
	return db.Model(&model.CandidateRun{}).Where("run_id = ?", runID).Update("purged", true).Error
}

// ---------------------------------------------------
// Simulated ledger
// ---------------------------------------------------

func (r *CandidateRepository) ListPositions(ctx context.Context, runID string) ([]model.CandidatePosition, error) {
	var out []model.CandidatePosition
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("symbol ASC, tag ASC").Find(&out).Error
	return out, err
}

func (r *CandidateRepository) CreatePosition(ctx context.Context, p *model.CandidatePosition) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *CandidateRepository) SavePosition(ctx context.Context, p *model.CandidatePosition) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *CandidateRepository) DeletePosition(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&model.CandidatePosition{}, id).Error
}

func (r *CandidateRepository) CreateTrade(ctx context.Context, t *model.CandidateTrade) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *CandidateRepository) ListTrades(ctx context.Context, runID string) ([]model.CandidateTrade, error) {
	var out []model.CandidateTrade
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("closed_at ASC, id ASC").Find(&out).Error
	return out, err
}

func (r *CandidateRepository) CreateSignal(ctx context.Context, s *model.CandidateSignal) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *CandidateRepository) ListSignals(ctx context.Context, runID string) ([]model.CandidateSignal, error) {
	var out []model.CandidateSignal
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&out).Error
	return out, err
}

// UpsertSnapshot writes the (run, day) snapshot.
func (r *CandidateRepository) UpsertSnapshot(ctx context.Context, s *model.CandidateSnapshot) error {
	var existing model.CandidateSnapshot
	err := r.db.WithContext(ctx).Where("run_id = ? AND day = ?", s.RunID, s.Day).First(&existing).Error
	switch {
	case err == nil:
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		return r.db.WithContext(ctx).Save(s).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.db.WithContext(ctx).Create(s).Error
	default:
		return err
	}
}

func (r *CandidateRepository) ListSnapshots(ctx context.Context, runID string) ([]model.CandidateSnapshot, error) {
	var out []model.CandidateSnapshot
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("day ASC").Find(&out).Error
	return out, err
}

// SnapshotBefore returns the latest snapshot of runID strictly before day, or nil.
func (r *CandidateRepository) SnapshotBefore(ctx context.Context, runID, day string) (*model.CandidateSnapshot, error) {
	var s model.CandidateSnapshot
	err := r.db.WithContext(ctx).Where("run_id = ? AND day < ?", runID, day).Order("day DESC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RealizedNet sums net P&L of runID's trades, optionally since a time.
func (r *CandidateRepository) RealizedNet(ctx context.Context, runID string, since time.Time) (decimal.Decimal, error) {
	q := r.db.WithContext(ctx).Model(&model.CandidateTrade{}).Where("run_id = ?", runID)
	if !since.IsZero() {
		q = q.Where("closed_at >= ?", since)
	}
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

func (r *CandidateRepository) RecentNetPnL(ctx context.Context, runID string, limit int) ([]decimal.Decimal, error) {
	var values []decimal.Decimal
	err := r.db.WithContext(ctx).Model(&model.CandidateTrade{}).
		Where("run_id = ?", runID).
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Pluck("net_pnl", &values).Error
	return values, err
}

func (r *CandidateRepository) PeakEquity(ctx context.Context, runID string) (decimal.Decimal, error) {
	var values []decimal.Decimal
	if err := r.db.WithContext(ctx).Model(&model.CandidateSnapshot{}).
		Where("run_id = ?", runID).
		Pluck("peak_equity", &values).Error; err != nil {
		return decimal.Zero, err
	}
	peak := decimal.Zero
	for _, v := range values {
		if v.GreaterThan(peak) {
			peak = v
		}
	}
	return peak, nil
}

// CountTradesSince counts runID's trades closed at or after since.
func (r *CandidateRepository) CountTradesSince(ctx context.Context, runID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.CandidateTrade{}).
		Where("run_id = ? AND closed_at >= ?", runID, since).
		Count(&n).Error
	return n, err
}
