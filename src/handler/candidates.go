package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fundengine/src/auth"
	"fundengine/src/candidate"
	"fundengine/src/model"
	"fundengine/src/sandbox"
)

type candidateManager interface {
	Create(ctx context.Context, req candidate.CreateRequest) (*model.Candidate, error)
	Cancel(ctx context.Context, slot int, reason string) (*model.Candidate, error)
	Promote(ctx context.Context, slot int, mode string) (*candidate.Promotion, error)
	List(ctx context.Context) ([]model.Candidate, error)
}

func candidateStatus(err error) int {
	var rejected *sandbox.RejectedError
	switch {
	case errors.Is(err, candidate.ErrInvalidSlot), errors.Is(err, candidate.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, candidate.ErrNotActive):
		return http.StatusNotFound
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func slotParam(r *http.Request) (int, error) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		return 0, candidate.ErrInvalidSlot
	}
	return slot, nil
}

func ListCandidatesHandler(m candidateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := m.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func CreateCandidateHandler(m candidateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req candidate.CreateRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		audit(r, "candidate-create", strconv.Itoa(req.Slot))
		c, err := m.Create(r.Context(), req)
		if err != nil {
			writeError(w, candidateStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func CancelCandidateHandler(m candidateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := slotParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		reason, err := reasonFrom(r, "canceled by "+auth.OperatorName(r.Context()))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		audit(r, "candidate-cancel", reason)
		c, err := m.Cancel(r.Context(), slot, reason)
		if err != nil {
			writeError(w, candidateStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

type promotePayload struct {
	Mode string `json:"mode"`
}

func PromoteCandidateHandler(m candidateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := slotParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var p promotePayload
		if err := decodeOptional(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if p.Mode == "" {
			p.Mode = model.PromotionModeKeep
		}
		audit(r, "candidate-promote", p.Mode)
		out, err := m.Promote(r.Context(), slot, p.Mode)
		if err != nil {
			writeError(w, candidateStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
