// Package loader decides which code unit is authoritative for each kind: the file at the
// configured path, else the last deployed version in the database, else nothing (paused).
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/model"
	"fundengine/src/notify"
	"fundengine/src/sandbox"
	"fundengine/src/script"
)

const (
	SourceFilesystem = "filesystem"
	SourceDeployed   = "deployed"
	SourcePaused     = "paused"
)

var (
	ErrNoPrevious = errors.New("loader: no earlier deployed version to roll back to")
	ErrNoCurrent  = errors.New("loader: nothing deployed")
)

// ModuleStore is the deployment history.
type ModuleStore interface {
	Create(ctx context.Context, m *model.DeployedModule) error
	LatestDeployed(ctx context.Context, kind string) (*model.DeployedModule, error)
	PreviousDeployed(ctx context.Context, kind string, id uint) (*model.DeployedModule, error)
	MarkRolledBack(ctx context.Context, id uint) error
}

// Resolution is the outcome of one resolve. Module is nil when paused.
type Resolution struct {
	Module         *script.Module
	Kind           string
	Source         string
	Version        string
	Hash           string
	DeployedID     uint
	EquityAtDeploy decimal.Decimal
	Reason         string
}

func (r Resolution) Paused() bool { return r.Module == nil }

// Loader resolves and deploys code units. Safe for concurrent use.
type Loader struct {
	paths   map[string]string
	timeout time.Duration
	store   ModuleStore
	pub     notify.Publisher

	// Equity reports current live equity; used to stamp new deployments.
	Equity func(ctx context.Context) (decimal.Decimal, error)

	mu           sync.Mutex
	cache        map[string]*script.Module
	paused       map[string]string
	lastRejected map[string]string
}

func New(cfg Config, store ModuleStore, pub notify.Publisher) *Loader {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Loader{
		paths: map[string]string{
			model.ModuleKindStrategy: cfg.StrategyPath,
			model.ModuleKindAnalysis: cfg.AnalysisPath,
		},
		timeout:      cfg.StrategyTimeout,
		store:        store,
		pub:          pub,
		cache:        map[string]*script.Module{},
		paused:       map[string]string{},
		lastRejected: map[string]string{},
	}
}

func tierOf(kind string) sandbox.Tier {
	if kind == model.ModuleKindAnalysis {
		return sandbox.TierAnalysis
	}
	return sandbox.TierStrategy
}

// Hash is the content address of a unit.
func Hash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// Pause stops kind from resolving until Resume. Idempotent.
func (l *Loader) Pause(kind, reason string) {
	l.mu.Lock()
	_, already := l.paused[kind]
	l.paused[kind] = reason
	l.mu.Unlock()
	if !already {
		l.pub.Publish(notify.Event{Kind: notify.KindPaused, Message: kind + " paused: " + reason})
	}
}

// Resume lifts a pause. Idempotent.
func (l *Loader) Resume(kind string) {
	l.mu.Lock()
	_, was := l.paused[kind]
	delete(l.paused, kind)
	l.mu.Unlock()
	if was {
		l.pub.Publish(notify.Event{Kind: notify.KindResume, Message: kind + " resumed"})
	}
}

// PauseReason returns the reason kind is paused, or "".
func (l *Loader) PauseReason(kind string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused[kind]
}

// Resolve walks the fallback chain. It only returns an error for store failures; every
// code problem degrades to the next link.
func (l *Loader) Resolve(ctx context.Context, kind string) (Resolution, error) {
	res := Resolution{Kind: kind, Source: SourcePaused}
	if reason := l.PauseReason(kind); reason != "" {
		res.Reason = "paused: " + reason
		return res, nil
	}

	log := logger.WithFields(map[string]interface{}{"component": "loader", "kind": kind})

	if code, err := l.readFile(kind); err != nil {
		log.WithError(err).Warn("authoritative file unavailable, falling back")
		res.Reason = err.Error()
	} else if code != nil {
		hash := Hash(code)
		mod, err := l.compile(ctx, kind, code, hash, "file:"+hash[:12])
		if err == nil {
			row, err := l.registerFile(ctx, kind, code, hash)
			if err != nil {
				return res, err
			}
			return Resolution{
				Module: mod, Kind: kind, Source: SourceFilesystem, Version: row.Version,
				Hash: hash, DeployedID: row.ID, EquityAtDeploy: row.EquityAtDeploy,
			}, nil
		}
		log.WithError(err).Warn("authoritative file rejected, falling back")
		res.Reason = err.Error()
	}

	row, err := l.store.LatestDeployed(ctx, kind)
	if err != nil {
		return res, fmt.Errorf("latest deployed %s: %w", kind, err)
	}
	if row == nil {
		if res.Reason == "" {
			res.Reason = "no " + kind + " unit available"
		}
		return res, nil
	}

	mod, err := l.compile(ctx, kind, []byte(row.Code), row.Hash, row.Version)
	if err != nil {
		log.WithError(err).Error("last deployed unit rejected, pausing")
		res.Reason = err.Error()
		return res, nil
	}
	return Resolution{
		Module: mod, Kind: kind, Source: SourceDeployed, Version: row.Version,
		Hash: row.Hash, DeployedID: row.ID, EquityAtDeploy: row.EquityAtDeploy,
	}, nil
}

func (l *Loader) readFile(kind string) ([]byte, error) {
	path := l.paths[kind]
	if path == "" {
		return nil, nil
	}
	code, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return code, nil
}

// registerFile records a file-sourced unit as deployed the first time its hash is seen.
func (l *Loader) registerFile(ctx context.Context, kind string, code []byte, hash string) (*model.DeployedModule, error) {
	latest, err := l.store.LatestDeployed(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("latest deployed %s: %w", kind, err)
	}
	if latest != nil && latest.Hash == hash {
		return latest, nil
	}
	row := &model.DeployedModule{
		Kind:           kind,
		Version:        "file:" + hash[:12],
		Hash:           hash,
		Code:           string(code),
		Source:         model.ModuleSourceFilesystem,
		Status:         model.ModuleStatusDeployed,
		EquityAtDeploy: l.equity(ctx),
		DeployedAt:     time.Now().UTC(),
	}
	if err := l.store.Create(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Compile validates and compiles a unit through the shared cache. The verdict is always
// recomputed, even on a cache hit.
func (l *Loader) Compile(ctx context.Context, kind string, code []byte, version string) (*script.Module, error) {
	return l.compile(ctx, kind, code, Hash(code), version)
}

func (l *Loader) compile(ctx context.Context, kind string, code []byte, hash, version string) (*script.Module, error) {
	tier := tierOf(kind)
	verdict := sandbox.Validate(code, tier)
	if err := verdict.Err(); err != nil {
		l.reportRejection(kind, hash, verdict)
		return nil, err
	}

	l.mu.Lock()
	mod, ok := l.cache[hash]
	l.mu.Unlock()
	if ok && !mod.Poisoned() && mod.Tier == tier {
		return mod, nil
	}

	mod, err := script.Compile(ctx, code, tier, version, hash, l.timeout)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[hash] = mod
	l.mu.Unlock()
	return mod, nil
}

// reportRejection notifies once per (kind, hash) so a bad file does not spam every scan.
func (l *Loader) reportRejection(kind, hash string, v sandbox.Verdict) {
	l.mu.Lock()
	seen := l.lastRejected[kind] == hash
	l.lastRejected[kind] = hash
	l.mu.Unlock()
	if seen {
		return
	}
	codes := make([]string, 0, len(v.Violations))
	for _, c := range v.Codes() {
		codes = append(codes, string(c))
	}
	l.pub.Publish(notify.Event{
		Kind:    notify.KindValidation,
		Message: kind + " unit rejected",
		Fields:  map[string]interface{}{"hash": hash, "codes": codes, "violations": v.Violations},
	})
}

// Deploy makes code the authoritative unit: validated, written atomically to the
// authoritative path, and recorded as deployed.
func (l *Loader) Deploy(ctx context.Context, kind string, code []byte, version, rationale, source string) (*model.DeployedModule, error) {
	hash := Hash(code)
	if _, err := l.compile(ctx, kind, code, hash, version); err != nil {
		return nil, err
	}
	if err := l.writeFile(kind, code); err != nil {
		return nil, err
	}

	row := &model.DeployedModule{
		Kind:           kind,
		Version:        version,
		Hash:           hash,
		Code:           string(code),
		Rationale:      rationale,
		Source:         source,
		Status:         model.ModuleStatusDeployed,
		EquityAtDeploy: l.equity(ctx),
		DeployedAt:     time.Now().UTC(),
	}
	if err := l.store.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("record deployment: %w", err)
	}

	l.pub.Publish(notify.Event{
		Kind:    notify.KindDeploy,
		Message: fmt.Sprintf("%s %s deployed", kind, version),
		Fields:  map[string]interface{}{"source": source, "hash": hash},
	})
	return row, nil
}

// Rollback retires the current version and restores the newest earlier version with
// different code.
func (l *Loader) Rollback(ctx context.Context, kind, reason string) (*model.DeployedModule, error) {
	current, err := l.store.LatestDeployed(ctx, kind)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoCurrent
	}

	prev := current
	for {
		prev, err = l.store.PreviousDeployed(ctx, kind, prev.ID)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return nil, ErrNoPrevious
		}
		if prev.Hash != current.Hash {
			break
		}
	}

	if _, err := l.compile(ctx, kind, []byte(prev.Code), prev.Hash, prev.Version); err != nil {
		return nil, fmt.Errorf("previous version %s no longer valid: %w", prev.Version, err)
	}
	if err := l.store.MarkRolledBack(ctx, current.ID); err != nil {
		return nil, err
	}
	if err := l.writeFile(kind, []byte(prev.Code)); err != nil {
		return nil, err
	}

	row := &model.DeployedModule{
		Kind:           kind,
		Version:        prev.Version,
		Hash:           prev.Hash,
		Code:           prev.Code,
		Rationale:      reason,
		Source:         model.ModuleSourceRollback,
		Status:         model.ModuleStatusDeployed,
		EquityAtDeploy: l.equity(ctx),
		DeployedAt:     time.Now().UTC(),
	}
	if err := l.store.Create(ctx, row); err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "loader",
		"kind":      kind,
		"from":      current.Version,
		"to":        prev.Version,
	}).Warn("rolled back")
	return row, nil
}

// writeFile replaces the authoritative file through a rename so readers never see a
// partial unit.
func (l *Loader) writeFile(kind string, code []byte) error {
	path := l.paths[kind]
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".unit-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(code); err != nil {
		tmp.Close()
		return fmt.Errorf("write unit: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync unit: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install unit: %w", err)
	}
	return nil
}

func (l *Loader) equity(ctx context.Context) decimal.Decimal {
	if l.Equity == nil {
		return decimal.Zero
	}
	eq, err := l.Equity(ctx)
	if err != nil {
		logger.WithField("component", "loader").WithError(err).Warn("could not read equity for deployment")
		return decimal.Zero
	}
	return eq
}
