// Package script runs accepted code units inside an embedded Go interpreter that only
// sees the allow-listed standard library members and the sdk package.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"fundengine/src/sandbox"
	"fundengine/src/sdk"
)

var (
	// ErrTimeout means the unit did not return within its budget. The module is poisoned
	// afterwards because the interpreted call cannot be interrupted.
	ErrTimeout  = errors.New("script: call timed out")
	ErrPoisoned = errors.New("script: module poisoned by an earlier timeout")
	ErrPanic    = errors.New("script: unit panicked")
)

// Module is one compiled unit.
type Module struct {
	Tier    sandbox.Tier
	Version string
	Hash    string

	decide   sdk.StrategyFunc
	analyze  sdk.AnalysisFunc
	timeout  time.Duration
	poisoned atomic.Bool
}

// exports builds the interpreter symbol table from the sandbox allow-list.
func exports() interp.Exports {
	out := interp.Exports{}
	for _, path := range sandbox.AllowedImports() {
		if path == sdk.ImportPath {
			continue
		}
		key := path + "/" + path[strings.LastIndex(path, "/")+1:]
		src, ok := stdlib.Symbols[key]
		if !ok {
			continue
		}
		members := map[string]reflect.Value{}
		for name, v := range src {
			if strings.HasPrefix(name, "_") || sandbox.AllowedMember(path, name) {
				members[name] = v
			}
		}
		out[key] = members
	}
	for k, v := range sdk.Symbols {
		out[k] = v
	}
	return out
}

// Compile validates src and loads it into a fresh interpreter. The unit is validated
// here as well as by the caller so that no path can reach the interpreter unchecked.
func Compile(ctx context.Context, src []byte, tier sandbox.Tier, version, hash string, timeout time.Duration) (*Module, error) {
	verdict := sandbox.Validate(src, tier)
	if err := verdict.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
	if err := i.Use(exports()); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := i.EvalWithContext(evalCtx, string(src)); err != nil {
		return nil, fmt.Errorf("compile %s unit: %w", tier, err)
	}

	entry := verdict.Package + "." + sandbox.Entrypoint(tier)
	v, err := i.EvalWithContext(evalCtx, entry)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", entry, err)
	}

	m := &Module{Tier: tier, Version: version, Hash: hash, timeout: timeout}
	switch tier {
	case sandbox.TierStrategy:
		fn, ok := v.Interface().(func(sdk.Market) []sdk.Decision)
		if !ok {
			return nil, fmt.Errorf("%s has type %s, want func(sdk.Market) []sdk.Decision", entry, v.Type())
		}
		m.decide = fn
	case sandbox.TierAnalysis:
		fn, ok := v.Interface().(func(sdk.Querier) sdk.Report)
		if !ok {
			return nil, fmt.Errorf("%s has type %s, want func(sdk.Querier) sdk.Report", entry, v.Type())
		}
		m.analyze = fn
	}

	logger.WithFields(map[string]interface{}{
		"component": "script",
		"tier":      tier,
		"version":   version,
		"hash":      short(hash),
	}).Info("unit compiled")
	return m, nil
}

// Poisoned reports whether an earlier call timed out.
func (m *Module) Poisoned() bool { return m.poisoned.Load() }

// Decide runs the strategy entry point against market.
func (m *Module) Decide(ctx context.Context, market sdk.Market) ([]sdk.Decision, error) {
	if m.decide == nil {
		return nil, fmt.Errorf("script: %s unit has no strategy entry point", m.Tier)
	}
	return call(ctx, m, func() []sdk.Decision { return m.decide(market) })
}

// Analyze runs the analysis entry point.
func (m *Module) Analyze(ctx context.Context, q sdk.Querier) (sdk.Report, error) {
	if m.analyze == nil {
		return sdk.Report{}, fmt.Errorf("script: %s unit has no analysis entry point", m.Tier)
	}
	return call(ctx, m, func() sdk.Report { return m.analyze(q) })
}

type result[T any] struct {
	v   T
	err error
}

// call runs fn on its own goroutine so a runaway unit cannot hold the caller past the
// timeout. Panics are converted to errors.
func call[T any](ctx context.Context, m *Module, fn func() T) (T, error) {
	var zero T
	if m.Poisoned() {
		return zero, ErrPoisoned
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result[T]{err: fmt.Errorf("%w: %v", ErrPanic, p)}
			}
		}()
		done <- result[T]{v: fn()}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		m.poisoned.Store(true)
		logger.WithFields(map[string]interface{}{
			"component": "script",
			"version":   m.Version,
		}).Error("unit exceeded its time budget, module poisoned")
		return zero, ErrTimeout
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
