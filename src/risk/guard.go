package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"fundengine/src/model"
	"fundengine/src/notify"
)

// EventStore persists halt transitions.
type EventStore interface {
	Create(ctx context.Context, e *model.HaltEvent) error
}

// Guard owns the process-wide HaltState. Automatic verdicts and operator overrides both
// flow through it; every transition is persisted and published.
type Guard struct {
	mu     sync.RWMutex
	state  HaltState
	forced bool

	// acknowledged suppresses an automatic halt code the operator released, until the
	// condition clears on its own.
	acknowledged Code

	store     EventStore
	publisher notify.Publisher
	now       func() time.Time
}

func NewGuard(store EventStore, publisher notify.Publisher) *Guard {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Guard{store: store, publisher: publisher, now: time.Now}
}

func (g *Guard) Current() HaltState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Guard) Halted() bool {
	return g.Current().Halted
}

// Apply folds an automatic verdict into the state. An existing halt keeps its first
// reason; a forced halt only ends through Release.
func (g *Guard) Apply(ctx context.Context, v Verdict) HaltState {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := v.State
	if g.acknowledged != CodeNone {
		if !next.Halted {
			g.acknowledged = CodeNone
		} else if next.Code == g.acknowledged {
			next = Active()
		}
	}

	if g.forced || g.state.Halted == next.Halted {
		return g.state
	}

	g.transition(ctx, next)
	return g.state
}

// ForceHalt halts regardless of limits. Idempotent.
func (g *Guard) ForceHalt(ctx context.Context, code Code, reason string) HaltState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forced = true
	if g.state.Halted {
		return g.state
	}
	g.transition(ctx, HaltState{Halted: true, Code: code, Reason: reason, Since: g.now().UTC()})
	return g.state
}

// Release clears any halt. An automatic condition that still holds stays acknowledged
// and will not re-halt until it clears and triggers again. Idempotent.
func (g *Guard) Release(ctx context.Context) HaltState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forced = false
	if !g.state.Halted {
		return g.state
	}
	if g.state.Code != CodeManual && g.state.Code != CodeConsistency {
		g.acknowledged = g.state.Code
	}
	g.transition(ctx, Active())
	return g.state
}

// Restore seeds the state from the last persisted transition without re-recording it.
// Operator and consistency halts survive a restart; automatic ones are re-derived by
// the next evaluation.
func (g *Guard) Restore(last *model.HaltEvent) {
	if last == nil || last.State != model.HaltStateHalted {
		return
	}
	code, reason := CodeManual, last.Reason
	if i := strings.Index(last.Reason, ": "); i > 0 {
		code, reason = Code(last.Reason[:i]), last.Reason[i+2:]
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = HaltState{Halted: true, Code: code, Reason: reason, Since: last.CreatedAt}
	g.forced = code == CodeManual || code == CodeConsistency
}

// RecordRollback audits an automatic strategy rollback alongside halt transitions.
func (g *Guard) RecordRollback(ctx context.Context, reason string) {
	g.mu.RLock()
	state := model.HaltStateActive
	if g.state.Halted {
		state = model.HaltStateHalted
	}
	g.mu.RUnlock()

	if g.store != nil {
		if err := g.store.Create(ctx, &model.HaltEvent{State: state, Reason: reason, Rollback: true}); err != nil {
			logger.WithField("component", "risk.Guard").WithError(err).Error("failed to persist rollback event")
		}
	}
	g.publisher.Publish(notify.Event{Kind: notify.KindRollback, Message: "strategy rolled back: " + reason})
}

func (g *Guard) transition(ctx context.Context, next HaltState) {
	prev := g.state
	if next.Halted && next.Since.IsZero() {
		next.Since = g.now().UTC()
	}
	g.state = next

	ev := &model.HaltEvent{State: model.HaltStateActive}
	kind := notify.KindResume
	msg := "trading resumed"
	if next.Halted {
		ev.State = model.HaltStateHalted
		ev.Reason = string(next.Code) + ": " + next.Reason
		kind = notify.KindHalt
		msg = "trading halted: " + next.Reason
	} else {
		ev.Reason = "released from " + string(prev.Code)
	}

	if g.store != nil {
		if err := g.store.Create(ctx, ev); err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "risk.Guard",
				"state":     ev.State,
			}).WithError(err).Error("failed to persist halt transition")
		}
	}

	logger.WithFields(map[string]interface{}{
		"component": "risk.Guard",
		"from":      prev.String(),
		"to":        next.String(),
	}).Warn("halt state transition")

	g.publisher.Publish(notify.Event{
		Kind:    kind,
		Message: msg,
		Fields:  map[string]interface{}{"code": string(next.Code), "from": prev.String()},
	})
}
