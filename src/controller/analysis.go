package controller

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fundengine/src/model"
	"fundengine/src/repository"
	"fundengine/src/script"
	"fundengine/src/sdk"
)

var ErrNoAnalysis = errors.New("controller: no analysis module available")

// AnalysisResult is one on-demand run of the analysis module.
type AnalysisResult struct {
	Version string     `json:"version"`
	Source  string     `json:"source"`
	Report  sdk.Report `json:"report"`
}

// Analyst runs the analysis module against the read-only database. It never touches the
// execution lock.
type Analyst struct {
	loader     Resolver
	db         *gorm.DB
	maxRows    int
	exceptions *repository.ExceptionRepository
	service    string
}

func NewAnalyst(cfg Config, resolver Resolver, readOnly *gorm.DB, exceptions *repository.ExceptionRepository) *Analyst {
	return &Analyst{loader: resolver, db: readOnly, maxRows: cfg.AnalysisMaxRows, exceptions: exceptions, service: cfg.Service}
}

func (a *Analyst) Run(ctx context.Context) (AnalysisResult, error) {
	res, err := a.loader.Resolve(ctx, model.ModuleKindAnalysis)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("resolve analysis: %w", err)
	}
	if res.Paused() {
		return AnalysisResult{}, fmt.Errorf("%w: %s", ErrNoAnalysis, res.Reason)
	}

	report, err := res.Module.Analyze(ctx, script.NewReadOnlyQuerier(ctx, a.db, a.maxRows))
	if err != nil {
		Capture(ctx, a.exceptions, a.service, "controller", "Analyze", "analysis", "error", err, map[string]interface{}{
			"version": res.Version,
		})
		return AnalysisResult{Version: res.Version, Source: res.Source}, fmt.Errorf("analysis %s: %w", res.Version, err)
	}

	logger.WithFields(map[string]interface{}{
		"component": "controller.Analyze",
		"version":   res.Version,
		"metrics":   len(report.Metrics),
	}).Info("Analysis complete")
	return AnalysisResult{Version: res.Version, Source: res.Source, Report: report}, nil
}
