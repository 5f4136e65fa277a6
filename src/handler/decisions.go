package handler

import (
	"context"
	"io"
	"net/http"
	"strings"

	logger "github.com/sirupsen/logrus"

	"fundengine/src/auth"
	"fundengine/src/controller"
	"fundengine/src/externalmodel"
	"fundengine/src/ledger"
)

type decisionApplier interface {
	Apply(ctx context.Context, sig ledger.Signal) ([]*ledger.Delta, error)
}

type emergencyStopper interface {
	EmergencyStop(ctx context.Context, reason string) ([]*ledger.Delta, error)
}

// DecisionOutcome reports what happened to one submitted decision.
type DecisionOutcome struct {
	Index   int         `json:"index"`
	Action  string      `json:"action"`
	Symbol  string      `json:"symbol,omitempty"`
	Tag     string      `json:"tag,omitempty"`
	Outcome string      `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
	Deltas  []DeltaView `json:"deltas,omitempty"`
}

type DeltaView struct {
	Kind     string `json:"kind"`
	Symbol   string `json:"symbol,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Quantity string `json:"quantity,omitempty"`
	NetPnL   string `json:"net_pnl,omitempty"`
}

const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

func viewDeltas(deltas []*ledger.Delta) []DeltaView {
	out := make([]DeltaView, 0, len(deltas))
	for _, d := range deltas {
		if d == nil {
			continue
		}
		v := DeltaView{Kind: d.Kind}
		if d.Position != nil {
			v.Symbol, v.Tag, v.Quantity = d.Position.Symbol, d.Position.Tag, d.Position.Quantity.String()
		}
		if d.Trade != nil {
			v.NetPnL = d.Trade.NetPnL.StringFixed(2)
		}
		out = append(out, v)
	}
	return out
}

// DecisionsHandler applies externally submitted decisions in order. Each decision goes
// through the same validation and execution lock as a strategy decision.
func DecisionsHandler(applier decisionApplier, stopper emergencyStopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		decisions, err := externalmodel.ParseDecisions(body)
		if err != nil {
			logger.WithError(err).Warn("invalid decision payload")
			writeError(w, http.StatusBadRequest, err)
			return
		}

		source := "external:" + auth.OperatorName(r.Context())
		out := make([]DecisionOutcome, 0, len(decisions))
		for i, d := range decisions {
			res := DecisionOutcome{Index: i, Action: strings.ToUpper(strings.TrimSpace(d.Action)), Symbol: d.Symbol, Tag: d.Tag}

			var deltas []*ledger.Delta
			if d.EmergencyStop() {
				res.Action = externalmodel.ActionEmergencyStop
				reason := d.Reasoning
				if reason == "" {
					reason = "emergency stop requested by " + source
				}
				deltas, err = stopper.EmergencyStop(r.Context(), reason)
			} else {
				var sig ledger.Signal
				sig, err = controller.SignalFromDecision(source, "api", d.ToSDK())
				if err == nil {
					res.Symbol = sig.Symbol
					deltas, err = applier.Apply(r.Context(), sig)
				}
			}

			switch _, rejected := ledger.AsRejection(err); {
			case err == nil:
				res.Outcome = OutcomeApplied
			case rejected:
				res.Outcome, res.Reason = OutcomeRejected, err.Error()
			default:
				res.Outcome, res.Reason = OutcomeFailed, err.Error()
			}
			res.Deltas = viewDeltas(deltas)
			out = append(out, res)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
	}
}
