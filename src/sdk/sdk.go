// Package sdk is the whole surface a sandboxed strategy or analysis module can see.
// Values are plain floats so interpreted code stays simple; the engine converts them to
// decimals at the boundary.
package sdk

import "time"

// Actions a strategy may emit.
const (
	Buy    = "BUY"
	Close  = "CLOSE"
	Modify = "MODIFY"
)

// Intent labels, informational only.
const (
	IntentDay      = "day"
	IntentSwing    = "swing"
	IntentPosition = "position"
)

// Position is a read-only copy of one open position.
type Position struct {
	Symbol              string
	Tag                 string
	Quantity            float64
	AvgEntryPrice       float64
	StopLoss            float64
	TakeProfit          float64
	Intent              string
	OpenedAt            time.Time
	MaxAdverseExcursion float64
	LastPrice           float64
}

// Market is the input of one scan: prices, recent history and the caller's portfolio.
type Market struct {
	Now       time.Time
	Symbols   []string
	Prices    map[string]float64
	History   map[string][]float64
	Positions []Position
	Equity    float64
	Cash      float64
}

// Price returns the latest price of symbol, zero when unknown.
func (m Market) Price(symbol string) float64 {
	return m.Prices[symbol]
}

// Open returns the open positions of symbol.
func (m Market) Open(symbol string) []Position {
	var out []Position
	for _, p := range m.Positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// Decision is the tagged variant a strategy returns. Fields irrelevant to Action are
// ignored.
type Decision struct {
	Action       string
	Symbol       string
	Tag          string
	SizeFraction float64
	StopLoss     float64
	TakeProfit   float64
	Intent       string
	Note         string
}

// Row is one result row of an analysis query.
type Row map[string]interface{}

// Querier runs read-only queries for analysis modules.
type Querier interface {
	Query(query string, args ...interface{}) ([]Row, error)
}

// Report is what an analysis module returns.
type Report struct {
	Metrics map[string]float64
	Notes   []string
}

// Entry points each module kind must define.
const (
	StrategyEntrypoint = "Decide"
	AnalysisEntrypoint = "Analyze"
)

// StrategyFunc is the signature of a strategy entry point.
type StrategyFunc func(m Market) []Decision

// AnalysisFunc is the signature of an analysis entry point.
type AnalysisFunc func(q Querier) Report
