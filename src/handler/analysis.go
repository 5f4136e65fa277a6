package handler

import (
	"context"
	"errors"
	"net/http"

	"fundengine/src/controller"
)

type analysisRunner interface {
	Run(ctx context.Context) (controller.AnalysisResult, error)
}

func AnalysisHandler(runner analysisRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := runner.Run(r.Context())
		switch {
		case errors.Is(err, controller.ErrNoAnalysis):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, out)
		}
	}
}
