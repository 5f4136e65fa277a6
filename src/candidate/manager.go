package candidate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fundengine/src/ledger"
	"fundengine/src/market"
	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/repository"
	"fundengine/src/script"
)

var (
	ErrInvalidSlot = fmt.Errorf("candidate: slot must be between %d and %d", model.MinCandidateSlot, model.MaxCandidateSlot)
	ErrInvalidMode = errors.New("candidate: promotion mode must be keep or close_all")
	ErrNotActive   = errors.New("candidate: slot has no active candidate")
)

// Compiler validates and compiles strategy code without deploying it.
type Compiler interface {
	Compile(ctx context.Context, kind string, code []byte, version string) (*script.Module, error)
}

// Deployer makes a promoted candidate's code the live strategy.
type Deployer interface {
	Deploy(ctx context.Context, kind string, code []byte, version, rationale, source string) (*model.DeployedModule, error)
}

// Portfolio is the read-only view of the live ledger used to seed and merge candidates.
type Portfolio interface {
	Value(ctx context.Context) (ledger.Valuation, error)
}

type Quotes interface {
	Snapshot() market.Snapshot
}

// Applier carries promoted positions into the live ledger through the execution lock.
type Applier interface {
	Apply(ctx context.Context, sig ledger.Signal) ([]*ledger.Delta, error)
}

// CreateRequest starts a candidate in a slot.
type CreateRequest struct {
	Slot      int    `json:"slot"`
	Code      string `json:"code"`
	Version   string `json:"version"`
	Rationale string `json:"rationale"`
}

// Transplant is one simulated position pushed into the live ledger on promotion.
type Transplant struct {
	Symbol  string `json:"symbol"`
	FromTag string `json:"from_tag"`
	Tag     string `json:"tag"`
	Error   string `json:"error,omitempty"`
}

// Promotion reports what a promotion did.
type Promotion struct {
	Slot        int                   `json:"slot"`
	Mode        string                `json:"mode"`
	Version     string                `json:"version"`
	Discarded   int                   `json:"discarded"`
	Transplants []Transplant          `json:"transplants,omitempty"`
	Skipped     []string              `json:"skipped,omitempty"`
	Deployed    *model.DeployedModule `json:"-"`
}

// Manager owns the candidate lifecycle. Candidates never read or write the live ledger;
// Create and Promote only read it through Portfolio and write it through Applier.
type Manager struct {
	cfg       Config
	sim       Sim
	repo      *repository.CandidateRepository
	compiler  Compiler
	deployer  Deployer
	portfolio Portfolio
	quotes    Quotes
	applier   Applier
	pub       notify.Publisher
	now       func() time.Time

	mu      sync.Mutex
	runners map[int]*Runner
}

func NewManager(
	cfg Config,
	sim Sim,
	repo *repository.CandidateRepository,
	compiler Compiler,
	deployer Deployer,
	portfolio Portfolio,
	quotes Quotes,
	applier Applier,
	pub notify.Publisher,
) *Manager {
	if pub == nil {
		pub = notify.Discard{}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Manager{
		cfg:       cfg,
		sim:       sim,
		repo:      repo,
		compiler:  compiler,
		deployer:  deployer,
		portfolio: portfolio,
		quotes:    quotes,
		applier:   applier,
		pub:       pub,
		now:       time.Now,
		runners:   map[int]*Runner{},
	}
}

func validSlot(slot int) bool {
	return slot >= model.MinCandidateSlot && slot <= model.MaxCandidateSlot
}

// Create validates and compiles the code, then starts a run in the slot seeded with the
// live portfolio's equity, cash and open positions. An active candidate already in the
// slot is canceled; its simulated history stays under its own run id.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Candidate, error) {
	if !validSlot(req.Slot) {
		return nil, ErrInvalidSlot
	}
	if req.Version == "" {
		req.Version = "candidate-" + strconv.Itoa(req.Slot) + "-" + m.now().UTC().Format("20060102T150405")
	}
	mod, err := m.compiler.Compile(ctx, model.ModuleKindStrategy, []byte(req.Code), req.Version)
	if err != nil {
		return nil, err
	}

	live, err := m.portfolio.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("read live portfolio: %w", err)
	}

	now := m.now().UTC()
	cand := &model.Candidate{
		Slot:           req.Slot,
		RunID:          uuid.NewString(),
		Status:         model.CandidateStatusActive,
		Version:        req.Version,
		Code:           req.Code,
		Rationale:      req.Rationale,
		StartingEquity: live.Equity,
		StartingCash:   live.Cash,
		CreatedAt:      now,
	}
	seeded := make([]model.CandidatePosition, 0, len(live.Positions))
	for _, p := range live.Positions {
		f := p.PositionFields
		f.StopOrderID, f.TakeProfitOrderID, f.PendingExit = "", "", false
		seeded = append(seeded, model.CandidatePosition{CandidateSlot: req.Slot, RunID: cand.RunID, PositionFields: f})
		cand.SeededCost = cand.SeededCost.Add(f.CostBasis())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced string
	err = m.repo.Transaction(ctx, func(tx *repository.CandidateRepository) error {
		prev, err := tx.FindCandidate(ctx, req.Slot)
		if err != nil {
			return err
		}
		if prev != nil && prev.Status == model.CandidateStatusActive {
			replaced = prev.Version
			if err := tx.ResolveRun(ctx, prev.RunID, model.CandidateStatusCanceled, "replaced by "+req.Version, now); err != nil {
				return err
			}
		}
		if err := tx.SaveCandidate(ctx, cand); err != nil {
			return err
		}
		if err := tx.CreateRun(ctx, &model.CandidateRun{
			RunID:     cand.RunID,
			Slot:      cand.Slot,
			Version:   cand.Version,
			Status:    model.CandidateStatusActive,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		for i := range seeded {
			if err := tx.CreatePosition(ctx, &seeded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.runners[cand.Slot] = NewRunner(*cand, mod, m.repo, m.sim)

	fields := map[string]interface{}{"slot": cand.Slot, "version": cand.Version, "seeded": len(seeded)}
	if replaced != "" {
		fields["replaced"] = replaced
	}
	logger.WithFields(fields).Info("Candidate created")
	m.pub.Publish(notify.Event{
		Kind:    notify.KindCandidate,
		Message: fmt.Sprintf("candidate %s started in slot %d", cand.Version, cand.Slot),
		Fields:  fields,
	})
	return cand, nil
}

// Cancel resolves the slot's active candidate. Its history is purged after the
// retention window.
func (m *Manager) Cancel(ctx context.Context, slot int, reason string) (*model.Candidate, error) {
	if !validSlot(slot) {
		return nil, ErrInvalidSlot
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cand, err := m.resolve(ctx, slot, model.CandidateStatusCanceled, "", reason)
	if err != nil {
		return nil, err
	}
	m.pub.Publish(notify.Event{
		Kind:    notify.KindCandidate,
		Message: fmt.Sprintf("candidate %s in slot %d canceled", cand.Version, slot),
		Fields:  map[string]interface{}{"slot": slot, "reason": reason},
	})
	return cand, nil
}

// resolve moves the active candidate of slot to a terminal status. Callers hold m.mu.
func (m *Manager) resolve(ctx context.Context, slot int, status, mode, reason string) (*model.Candidate, error) {
	var out *model.Candidate
	err := m.repo.Transaction(ctx, func(tx *repository.CandidateRepository) error {
		cand, err := tx.FindCandidate(ctx, slot)
		if err != nil {
			return err
		}
		if cand == nil || cand.Status != model.CandidateStatusActive {
			return ErrNotActive
		}
		now := m.now().UTC()
		cand.Status = status
		cand.PromotionMode = mode
		cand.ResolutionReason = reason
		cand.ResolvedAt = &now
		if err := tx.SaveCandidate(ctx, cand); err != nil {
			return err
		}
		out = cand
		return tx.ResolveRun(ctx, cand.RunID, status, reason, now)
	})
	if err != nil {
		return nil, err
	}
	delete(m.runners, slot)
	return out, nil
}

// Promote deploys the candidate's code as the live strategy. With mode keep its open
// simulated positions are pushed into the live ledger as entry intents at their
// simulated quantity; with close_all they are discarded and the live ledger is left as
// it is.
//
// Merge rule for keep: a simulated position that is still the unchanged copy of the live
// position it was seeded from is already live and is skipped. Any other
// tag colliding with a live tag of the same symbol is renamed "<tag>~c<slot>".
func (m *Manager) Promote(ctx context.Context, slot int, mode string) (*Promotion, error) {
	if !validSlot(slot) {
		return nil, ErrInvalidSlot
	}
	if mode != model.PromotionModeKeep && mode != model.PromotionModeCloseAll {
		return nil, ErrInvalidMode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cand, err := m.repo.FindCandidate(ctx, slot)
	if err != nil {
		return nil, err
	}
	if cand == nil || cand.Status != model.CandidateStatusActive {
		return nil, ErrNotActive
	}
	if r := m.runners[slot]; r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	open, err := m.repo.ListPositions(ctx, cand.RunID)
	if err != nil {
		return nil, err
	}

	dep, err := m.deployer.Deploy(ctx, model.ModuleKindStrategy, []byte(cand.Code), cand.Version, cand.Rationale, model.ModuleSourcePromotion)
	if err != nil {
		return nil, fmt.Errorf("deploy candidate %s: %w", cand.Version, err)
	}
	if _, err := m.resolve(ctx, slot, model.CandidateStatusPromoted, mode, "promoted ("+mode+")"); err != nil {
		return nil, err
	}

	out := &Promotion{Slot: slot, Mode: mode, Version: cand.Version, Deployed: dep}
	if mode == model.PromotionModeCloseAll {
		out.Discarded = len(open)
	} else if err := m.transplant(ctx, slot, open, out); err != nil {
		return out, err
	}

	logger.WithFields(map[string]interface{}{
		"slot":        slot,
		"version":     cand.Version,
		"mode":        mode,
		"transplants": len(out.Transplants),
		"skipped":     len(out.Skipped),
		"discarded":   out.Discarded,
	}).Info("Candidate promoted")
	m.pub.Publish(notify.Event{
		Kind:    notify.KindCandidate,
		Message: fmt.Sprintf("candidate %s in slot %d promoted (%s)", cand.Version, slot, mode),
		Fields:  map[string]interface{}{"slot": slot, "mode": mode, "transplants": len(out.Transplants)},
	})
	return out, nil
}

func (m *Manager) transplant(ctx context.Context, slot int, open []model.CandidatePosition, out *Promotion) error {
	live, err := m.portfolio.Value(ctx)
	if err != nil {
		return fmt.Errorf("read live portfolio: %w", err)
	}
	taken := map[string]model.Position{}
	for _, p := range live.Positions {
		taken[p.Symbol+"|"+p.Tag] = p
	}

	for _, p := range open {
		tag := p.Tag
		if lp, ok := taken[p.Symbol+"|"+tag]; ok {
			if seededFrom(lp.PositionFields, p.PositionFields) {
				out.Skipped = append(out.Skipped, p.Symbol+"/"+tag)
				continue
			}
			tag = fmt.Sprintf("%s~c%d", tag, slot)
		}

		t := Transplant{Symbol: p.Symbol, FromTag: p.Tag, Tag: tag}
		deltas, err := m.applier.Apply(ctx, ledger.Signal{
			Source:     "candidate:" + strconv.Itoa(slot),
			Action:     ledger.ActionBuy,
			Symbol:     p.Symbol,
			Tag:        tag,
			Quantity:   p.Quantity,
			Transplant: true,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Intent:     p.Intent,
			Trigger:    "promotion",
		})
		if err == nil {
			err = shortfall(p.Quantity, deltas)
		}
		if err != nil {
			t.Error = err.Error()
			logger.WithFields(map[string]interface{}{
				"slot":   slot,
				"symbol": p.Symbol,
				"tag":    tag,
			}).WithError(err).Warn("Promoted position not transplanted in full")
		}
		out.Transplants = append(out.Transplants, t)
	}
	return nil
}

var epsilon = decimal.New(1, -8)

// shortfall reports a transplant whose live position came out smaller than the simulated
// one, as happens on a partial fill.
func shortfall(want decimal.Decimal, deltas []*ledger.Delta) error {
	filled := decimal.Zero
	for _, d := range deltas {
		if d != nil && d.Position != nil {
			filled = d.Position.Quantity
		}
	}
	if filled.LessThan(want.Truncate(8).Sub(epsilon)) {
		return fmt.Errorf("filled %s of %s", filled, want)
	}
	return nil
}

// seededFrom reports whether a simulated position is still the unchanged copy of a live
// one taken at creation.
func seededFrom(live, sim model.PositionFields) bool {
	d := live.OpenedAt.Sub(sim.OpenedAt)
	return d > -time.Second && d < time.Second &&
		live.Quantity.Sub(sim.Quantity).Abs().LessThan(epsilon) &&
		live.AvgEntryPrice.Sub(sim.AvgEntryPrice).Abs().LessThan(epsilon)
}

// runnersFor returns a runner per active candidate, compiling code for runs it has not
// seen. A candidate whose code no longer compiles is skipped.
func (m *Manager) runnersFor(ctx context.Context) ([]*Runner, error) {
	active, err := m.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Runner, 0, len(active))
	for _, c := range active {
		r := m.runners[c.Slot]
		if r == nil || r.cand.RunID != c.RunID {
			mod, err := m.compiler.Compile(ctx, model.ModuleKindStrategy, []byte(c.Code), c.Version)
			if err != nil {
				logger.WithFields(map[string]interface{}{
					"slot":    c.Slot,
					"version": c.Version,
				}).WithError(err).Error("Candidate code no longer compiles")
				continue
			}
			r = NewRunner(c, mod, m.repo, m.sim)
			m.runners[c.Slot] = r
		}
		out = append(out, r)
	}
	return out, nil
}

// Scan runs every active candidate against one market snapshot, in parallel. A failing
// candidate does not stop the others.
func (m *Manager) Scan(ctx context.Context) ([]RunResult, error) {
	snap := m.quotes.Snapshot()
	if len(snap.Prices) == 0 {
		return nil, nil
	}
	runners, err := m.runnersFor(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]RunResult, len(runners))
	errs := make([]error, len(runners))
	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, r := range runners {
		i, r := i, r
		g.Go(func() error {
			results[i], errs[i] = r.Run(ctx, snap)
			return nil
		})
	}
	_ = g.Wait()
	return results, logFailures("Scan", runners, errs)
}

// Monitor fires candidate stops between scans.
func (m *Manager) Monitor(ctx context.Context) (int, error) {
	snap := m.quotes.Snapshot()
	if len(snap.Prices) == 0 {
		return 0, nil
	}
	runners, err := m.runnersFor(ctx)
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(runners))
	errs := make([]error, len(runners))
	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, r := range runners {
		i, r := i, r
		g.Go(func() error {
			counts[i], errs[i] = r.Monitor(ctx, snap)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, logFailures("Monitor", runners, errs)
}

func logFailures(op string, runners []*Runner, errs []error) error {
	for i, err := range errs {
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "candidate.Manager",
				"op":        op,
				"slot":      runners[i].cand.Slot,
			}).WithError(err).Error("Candidate cycle failed")
		}
	}
	return errors.Join(errs...)
}

// Purge deletes the simulated history of runs canceled longer ago than the retention
// window. Promoted runs are kept.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.cfg.Retention)
	runs, err := m.repo.ListPurgeable(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, run := range runs {
		err := m.repo.Transaction(ctx, func(tx *repository.CandidateRepository) error {
			return tx.PurgeRun(ctx, run.RunID)
		})
		if err != nil {
			return purged, fmt.Errorf("purge run %s: %w", run.RunID, err)
		}
		purged++
	}
	if purged > 0 {
		logger.WithFields(map[string]interface{}{
			"component": "candidate.Manager",
			"purged":    purged,
			"cutoff":    cutoff,
		}).Info("Purged canceled candidate runs")
	}
	return purged, nil
}

// List returns every slot's lifecycle row.
func (m *Manager) List(ctx context.Context) ([]model.Candidate, error) {
	return m.repo.ListCandidates(ctx)
}

// Equity reports the simulated equity of the slot's active candidate.
func (m *Manager) Equity(ctx context.Context, slot int) (decimal.Decimal, error) {
	m.mu.Lock()
	r := m.runners[slot]
	m.mu.Unlock()
	if r == nil {
		return decimal.Zero, ErrNotActive
	}
	b, err := r.value(ctx, m.repo)
	if err != nil {
		return decimal.Zero, err
	}
	return b.equity, nil
}
