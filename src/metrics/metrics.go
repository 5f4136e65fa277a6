// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_signals_total",
		Help: "Decisions handled by the live ledger, by action and outcome",
	}, []string{"action", "outcome"})

	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_rejections_total",
		Help: "Rejected decisions by reason",
	}, []string{"reason"})

	OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_orders_total",
		Help: "Exchange orders by purpose and final status",
	}, []string{"purpose", "status"})

	Halted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fund_halted",
		Help: "1 while new entries are halted",
	})

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fund_equity",
		Help: "Live equity at the last monitor pass",
	})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fund_open_positions",
		Help: "Open live positions",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fund_execution_queue_depth",
		Help: "Jobs waiting for the execution lock",
	})

	CandidateEquity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fund_candidate_equity",
		Help: "Simulated equity per candidate slot",
	}, []string{"slot"})
)

func init() {
	prometheus.MustRegister(
		SignalsTotal,
		RejectionsTotal,
		OrdersTotal,
		Halted,
		Equity,
		OpenPositions,
		QueueDepth,
		CandidateEquity,
	)
}

// SetDecimal writes a decimal into a gauge.
func SetDecimal(g prometheus.Gauge, v decimal.Decimal) {
	f, _ := v.Float64()
	g.Set(f)
}

func SetBool(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
