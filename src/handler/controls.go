package handler

import (
	"context"
	"errors"
	"net/http"

	logger "github.com/sirupsen/logrus"

	"fundengine/src/auth"
	"fundengine/src/executors"
	"fundengine/src/ledger"
	"fundengine/src/model"
	"fundengine/src/reconcile"
	"fundengine/src/risk"
)

type strategyControl interface {
	Pause(kind, reason string)
	Resume(kind string)
	PauseReason(kind string) string
}

type haltControl interface {
	ForceHalt(ctx context.Context, code risk.Code, reason string) risk.HaltState
	Release(ctx context.Context) risk.HaltState
	Current() risk.HaltState
}

type reconcileRunner interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

type analysisGate interface {
	BeginAnalysis(ctx context.Context) error
	EndAnalysis(ctx context.Context) error
}

type valuer interface {
	Value(ctx context.Context) (ledger.Valuation, error)
}

func reasonFrom(r *http.Request, fallback string) (string, error) {
	var p reasonPayload
	if err := decodeOptional(r, &p); err != nil {
		return "", err
	}
	if p.Reason == "" {
		p.Reason = fallback
	}
	return p.Reason, nil
}

func audit(r *http.Request, action, reason string) {
	logger.WithFields(map[string]interface{}{
		"component": "handler.controls",
		"operator":  auth.OperatorName(r.Context()),
		"action":    action,
		"reason":    reason,
	}).Warn("Operator control")
}

// Every control is idempotent and permitted in any halt state.

func PauseHandler(ctl strategyControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason, err := reasonFrom(r, "paused by "+auth.OperatorName(r.Context()))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		audit(r, "pause", reason)
		ctl.Pause(model.ModuleKindStrategy, reason)
		writeJSON(w, http.StatusOK, map[string]interface{}{"paused": true, "reason": ctl.PauseReason(model.ModuleKindStrategy)})
	}
}

func ResumeHandler(ctl strategyControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audit(r, "resume", "")
		ctl.Resume(model.ModuleKindStrategy)
		writeJSON(w, http.StatusOK, map[string]interface{}{"paused": false})
	}
}

func HaltHandler(guard haltControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason, err := reasonFrom(r, "halted by "+auth.OperatorName(r.Context()))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		audit(r, "halt", reason)
		writeJSON(w, http.StatusOK, guard.ForceHalt(r.Context(), risk.CodeManual, reason))
	}
}

func ReleaseHandler(guard haltControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audit(r, "release", "")
		writeJSON(w, http.StatusOK, guard.Release(r.Context()))
	}
}

func ReconcileHandler(rec reconcileRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audit(r, "reconcile", "")
		rep, err := rec.Run(r.Context())
		if err != nil {
			logger.WithError(err).Error("forced reconciliation failed")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func EmergencyStopHandler(stopper emergencyStopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason, err := reasonFrom(r, "emergency stop by "+auth.OperatorName(r.Context()))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		audit(r, "emergency-stop", reason)
		deltas, err := stopper.EmergencyStop(r.Context(), reason)
		status := http.StatusOK
		body := map[string]interface{}{"closed": viewDeltas(deltas)}
		if err != nil {
			status = http.StatusInternalServerError
			body["error"] = err.Error()
		}
		writeJSON(w, status, body)
	}
}

// AnalysisBeginHandler raises the analyzing flag for an external strategy review cycle.
func AnalysisBeginHandler(gate analysisGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audit(r, "analysis-begin", "")
		if err := gate.BeginAnalysis(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, executors.ErrAnalysisInProgress) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"analyzing": true})
	}
}

func AnalysisEndHandler(gate analysisGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audit(r, "analysis-end", "")
		if err := gate.EndAnalysis(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"analyzing": false})
	}
}

// Status is the operator's view of the live fund.
type Status struct {
	Halt       risk.HaltState `json:"halt"`
	Paused     bool           `json:"paused"`
	PauseNote  string         `json:"pause_reason,omitempty"`
	Cash       string         `json:"cash"`
	Equity     string         `json:"equity"`
	OpenCount  int            `json:"open_positions"`
	OpenValue  string         `json:"open_value"`
	Realized   string         `json:"realized_net"`
	Starting   string         `json:"starting_capital"`
	Deposits   string         `json:"capital_events"`
	ValueError string         `json:"value_error,omitempty"`
}

func StatusHandler(guard haltControl, ctl strategyControl, portfolio valuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		note := ctl.PauseReason(model.ModuleKindStrategy)
		st := Status{Halt: guard.Current(), Paused: note != "", PauseNote: note}
		v, err := portfolio.Value(r.Context())
		if err != nil {
			st.ValueError = err.Error()
			writeJSON(w, http.StatusOK, st)
			return
		}
		st.Cash = v.Cash.StringFixed(2)
		st.Equity = v.Equity.StringFixed(2)
		st.OpenCount = len(v.Positions)
		st.OpenValue = v.OpenValue.StringFixed(2)
		st.Realized = v.RealizedNet.StringFixed(2)
		st.Starting = v.StartingCapital.StringFixed(2)
		st.Deposits = v.CapitalEvents.StringFixed(2)
		writeJSON(w, http.StatusOK, st)
	}
}
