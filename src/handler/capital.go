package handler

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"fundengine/src/auth"
	"fundengine/src/ledger"
)

type capitalRecorder interface {
	RecordCapital(ctx context.Context, kind string, amount decimal.Decimal, note string) (ledger.Valuation, error)
}

type capitalPayload struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// CapitalHandler records an explicit deposit or withdrawal.
func CapitalHandler(rec capitalRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p capitalPayload
		if err := decodeOptional(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if p.Note == "" {
			p.Note = "recorded by " + auth.OperatorName(r.Context())
		}
		audit(r, "capital:"+p.Kind, p.Amount.String())

		v, err := rec.RecordCapital(r.Context(), p.Kind, p.Amount, p.Note)
		if err != nil {
			status := http.StatusInternalServerError
			if _, ok := ledger.AsRejection(err); ok {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cash":           v.Cash.StringFixed(2),
			"equity":         v.Equity.StringFixed(2),
			"capital_events": v.CapitalEvents.StringFixed(2),
		})
	}
}
