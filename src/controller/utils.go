package controller

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/model"
	"fundengine/src/repository"
)

// ClampFraction bounds a requested size fraction to (0, 1]. Out-of-range values are
// adjusted and logged; non-positive values come back as zero so the ledger rejects them.
func ClampFraction(fraction decimal.Decimal) decimal.Decimal {
	if !fraction.IsPositive() {
		if !fraction.IsZero() {
			logger.WithFields(map[string]interface{}{
				"original_fraction": fraction,
			}).Warn("Negative size fraction, treated as zero")
		}
		return decimal.Zero
	}

	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		logger.WithFields(map[string]interface{}{
			"original_fraction": fraction,
			"adjusted_fraction": 1,
		}).Warn("Size fraction above maximum, clamped to 1")
		return decimal.NewFromInt(1)
	}
	return fraction
}

// NormalizeSymbol trims and upper-cases a symbol. The quote currency is
// kept as given, so BTCUSD and BTCUSDT stay distinct instruments.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Capture records a system exception, logs it locally, and optionally
// persists it in the database.
func Capture(
	ctx context.Context,
	repo *repository.ExceptionRepository,
	service string,
	module string,
	method string,
	trigger string,
	level string,
	err error,
	contextData map[string]interface{},
) {

	if err == nil {
		return
	}

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}

	exc := &model.Exception{
		Service:   service,
		Module:    module,
		Method:    method,
		Trigger:   trigger,
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Level:     level,
		Context:   ctxJSON,
		CreatedAt: time.Now(),
	}

	logger.WithFields(map[string]interface{}{
		"service": service,
		"module":  module,
		"method":  method,
		"trigger": trigger,
		"level":   level,
	}).WithError(err).Error("System exception captured")

	if repo != nil {
		if e := repo.Create(ctx, exc); e != nil {
			logger.WithError(e).Error("Failed to persist exception")
		}
	}
}
