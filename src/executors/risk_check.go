package executors

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/ledger"
	"fundengine/src/loader"
	"fundengine/src/metrics"
	"fundengine/src/model"
	"fundengine/src/risk"
)

// Deployments reports the live strategy version the rollback threshold is measured from.
type Deployments interface {
	LatestDeployed(ctx context.Context, kind string) (*model.DeployedModule, error)
}

// Rollbacker restores the previous strategy version, or pauses when there is none.
type Rollbacker interface {
	Rollback(ctx context.Context, kind, reason string) (*model.DeployedModule, error)
	Pause(kind, reason string)
}

// RiskCheck evaluates halt limits against the live portfolio and feeds the verdict to the
// guard. It runs on every monitor pass, after every trade close and once at startup.
type RiskCheck struct {
	core        *Core
	ledger      *ledger.Ledger
	guard       *risk.Guard
	deployments Deployments
	rollback    Rollbacker
	now         func() time.Time
}

func NewRiskCheck(core *Core, l *ledger.Ledger, guard *risk.Guard, deployments Deployments, rollback Rollbacker) *RiskCheck {
	return &RiskCheck{core: core, ledger: l, guard: guard, deployments: deployments, rollback: rollback, now: time.Now}
}

// Evaluate must run under the execution lock so it sees a committed ledger.
func (r *RiskCheck) Evaluate(ctx context.Context) (risk.Verdict, error) {
	now := r.now()

	equityAtDeploy := decimal.Zero
	if r.deployments != nil {
		dep, err := r.deployments.LatestDeployed(ctx, model.ModuleKindStrategy)
		if err != nil {
			return risk.Verdict{}, err
		}
		if dep != nil {
			equityAtDeploy = dep.EquityAtDeploy
		}
	}

	state, err := r.ledger.PortfolioState(ctx, now, equityAtDeploy)
	if err != nil {
		return risk.Verdict{}, err
	}
	verdict := risk.Evaluate(state, r.ledger.Limits(), now)
	current := r.guard.Apply(ctx, verdict)

	metrics.SetDecimal(metrics.Equity, state.Equity)
	metrics.SetBool(metrics.Halted, current.Halted)
	return verdict, nil
}

// FollowUp restores the previous strategy version when the verdict asks for it. It loads
// and writes code, so it runs outside the execution lock.
func (r *RiskCheck) FollowUp(ctx context.Context, v risk.Verdict) {
	if !v.Rollback || r.rollback == nil {
		return
	}
	if r.core != nil && r.core.Analyzing() {
		// The condition persists, so the next evaluation after the analysis cycle retries.
		logger.WithField("component", "executors.RiskCheck").Warn("Rollback deferred while analyzing")
		return
	}
	dep, err := r.rollback.Rollback(ctx, model.ModuleKindStrategy, v.RollbackReason)
	switch {
	case err == nil:
		logger.WithFields(map[string]interface{}{
			"component": "executors.RiskCheck",
			"version":   dep.Version,
			"reason":    v.RollbackReason,
		}).Warn("Strategy rolled back")
		r.guard.RecordRollback(ctx, v.RollbackReason)
	case errors.Is(err, loader.ErrNoPrevious), errors.Is(err, loader.ErrNoCurrent):
		r.rollback.Pause(model.ModuleKindStrategy, "rollback threshold hit with no earlier version: "+v.RollbackReason)
	default:
		logger.WithField("component", "executors.RiskCheck").WithError(err).Error("Rollback failed")
	}
}

// Check evaluates under the execution lock, queuing for it unless ctx already holds it,
// then follows up on the verdict.
func (r *RiskCheck) Check(ctx context.Context) risk.Verdict {
	var verdict risk.Verdict
	eval := func(ctx context.Context) error {
		var err error
		verdict, err = r.Evaluate(ctx)
		return err
	}

	var err error
	if r.core == nil || Holding(ctx) {
		err = eval(ctx)
	} else {
		err = r.core.Do(ctx, "risk", eval)
	}
	if err != nil {
		logger.WithField("component", "executors.RiskCheck").WithError(err).Error("Risk evaluation failed")
		return verdict
	}
	r.FollowUp(ctx, verdict)
	return verdict
}
