package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fundengine/src/model"
	"fundengine/src/sandbox"
)

type moduleDeployer interface {
	Deploy(ctx context.Context, kind string, code []byte, version, rationale, source string) (*model.DeployedModule, error)
}

type modulePayload struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Version   string `json:"version"`
	Rationale string `json:"rationale"`
}

func tierFor(kind string) (sandbox.Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case model.ModuleKindStrategy:
		return sandbox.TierStrategy, true
	case model.ModuleKindAnalysis:
		return sandbox.TierAnalysis, true
	}
	return "", false
}

// ValidateModuleHandler runs the static validator only. Nothing is compiled or stored.
func ValidateModuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p modulePayload
		if err := decodeOptional(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tier, ok := tierFor(p.Kind)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("kind must be strategy or analysis"))
			return
		}
		v := sandbox.Validate([]byte(p.Code), tier)
		writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": v.Accepted(), "verdict": v})
	}
}

// DeployModuleHandler validates, compiles and deploys a unit as the authoritative version.
func DeployModuleHandler(deployer moduleDeployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p modulePayload
		if err := decodeOptional(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, ok := tierFor(p.Kind); !ok {
			writeError(w, http.StatusBadRequest, errors.New("kind must be strategy or analysis"))
			return
		}
		if strings.TrimSpace(p.Version) == "" {
			writeError(w, http.StatusBadRequest, errors.New("version is required"))
			return
		}
		audit(r, "deploy:"+p.Kind, p.Version)

		row, err := deployer.Deploy(r.Context(), strings.ToLower(strings.TrimSpace(p.Kind)), []byte(p.Code), p.Version, p.Rationale, model.ModuleSourceOperator)
		if err != nil {
			status := http.StatusInternalServerError
			var rejected *sandbox.RejectedError
			if errors.As(err, &rejected) {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, row)
	}
}
