package controller

import (
	"context"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"fundengine/src/ledger"
	"fundengine/src/loader"
	"fundengine/src/market"
	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/repository"
	"fundengine/src/sdk"
)

// Applier pushes a signal through the execution lock into the live ledger.
type Applier interface {
	Apply(ctx context.Context, sig ledger.Signal) ([]*ledger.Delta, error)
}

// SignalLog records the rejected decisions the applier never saw.
type SignalLog interface {
	Create(ctx context.Context, s *model.Signal) error
}

type Resolver interface {
	Resolve(ctx context.Context, kind string) (loader.Resolution, error)
}

type Portfolio interface {
	Value(ctx context.Context) (ledger.Valuation, error)
}

type Quotes interface {
	Snapshot() market.Snapshot
}

// ScanResult summarizes one scan of the live strategy.
type ScanResult struct {
	Paused    bool
	Reason    string
	Version   string
	Decisions int
	Applied   int
	Rejected  int
	Failed    int
}

// Scanner runs the live strategy once per scan period.
type Scanner struct {
	loader     Resolver
	portfolio  Portfolio
	quotes     Quotes
	applier    Applier
	signals    SignalLog
	pub        notify.Publisher
	exceptions *repository.ExceptionRepository
	service    string
}

func NewScanner(
	cfg Config,
	resolver Resolver,
	portfolio Portfolio,
	quotes Quotes,
	applier Applier,
	signals SignalLog,
	pub notify.Publisher,
	exceptions *repository.ExceptionRepository,
) *Scanner {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Scanner{
		loader:     resolver,
		portfolio:  portfolio,
		quotes:     quotes,
		applier:    applier,
		signals:    signals,
		pub:        pub,
		exceptions: exceptions,
		service:    cfg.Service,
	}
}

// Scan resolves the live strategy, runs it against the current market and applies its
// decisions in order. A paused strategy skips the decisions and nothing else.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	res, err := s.loader.Resolve(ctx, model.ModuleKindStrategy)
	if err != nil {
		return ScanResult{}, fmt.Errorf("resolve strategy: %w", err)
	}
	if res.Paused() {
		logger.WithFields(map[string]interface{}{
			"component": "controller.Scan",
			"reason":    res.Reason,
		}).Info("Strategy paused, skipping decisions")
		return ScanResult{Paused: true, Reason: res.Reason}, nil
	}

	snap := s.quotes.Snapshot()
	if len(snap.Prices) == 0 {
		logger.WithField("component", "controller.Scan").Warn("No prices observed yet, skipping scan")
		return ScanResult{Version: res.Version}, nil
	}

	v, err := s.portfolio.Value(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("value portfolio: %w", err)
	}
	fields := make([]model.PositionFields, 0, len(v.Positions))
	for _, p := range v.Positions {
		fields = append(fields, p.PositionFields)
	}

	decisions, err := res.Module.Decide(ctx, MarketView(snap, fields, v.Equity, v.Cash))
	if err != nil {
		Capture(ctx, s.exceptions, s.service, "controller", "Scan", "scan", "error", err, map[string]interface{}{
			"version": res.Version,
			"hash":    res.Hash,
		})
		return ScanResult{Version: res.Version}, fmt.Errorf("strategy %s: %w", res.Version, err)
	}

	out := ScanResult{Version: res.Version, Decisions: len(decisions)}
	for _, d := range decisions {
		s.apply(ctx, res, d, &out)
	}

	logger.WithFields(map[string]interface{}{
		"component": "controller.Scan",
		"version":   out.Version,
		"decisions": out.Decisions,
		"applied":   out.Applied,
		"rejected":  out.Rejected,
		"failed":    out.Failed,
	}).Info("Scan complete")
	return out, nil
}

func (s *Scanner) apply(ctx context.Context, res loader.Resolution, d sdk.Decision, out *ScanResult) {
	sig, err := SignalFromDecision("strategy:"+res.Version, "scan", d)
	if err != nil {
		out.Rejected++
		s.recordInvalid(ctx, res, d, err)
		return
	}

	_, err = s.applier.Apply(ctx, sig)
	switch {
	case err == nil:
		out.Applied++
	case isRejection(err):
		out.Rejected++
	default:
		out.Failed++
		logger.WithFields(map[string]interface{}{
			"component": "controller.Scan",
			"symbol":    sig.Symbol,
			"tag":       sig.Tag,
			"action":    sig.Action,
		}).WithError(err).Error("Decision failed")
	}
}

func (s *Scanner) recordInvalid(ctx context.Context, res loader.Resolution, d sdk.Decision, err error) {
	row := &model.Signal{SignalFields: model.SignalFields{
		Source:  "strategy:" + res.Version,
		Action:  truncate(d.Action, 20),
		Symbol:  truncate(d.Symbol, 50),
		Tag:     truncate(d.Tag, 64),
		Outcome: model.SignalOutcomeRejected,
		Reason:  truncate(err.Error(), 255),
	}}
	s.pub.Publish(notify.Event{
		Kind:    notify.KindRejection,
		Message: "strategy decision rejected: " + err.Error(),
		Fields: map[string]interface{}{
			"source": row.Source,
			"action": row.Action,
			"symbol": row.Symbol,
			"reason": string(ledger.ReasonInvalidSignal),
		},
	})
	if s.signals == nil {
		return
	}
	if e := s.signals.Create(ctx, row); e != nil {
		logger.WithField("component", "controller.Scan").WithError(e).Error("Failed to record invalid decision")
	}
}

func isRejection(err error) bool {
	_, ok := ledger.AsRejection(err)
	return ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
