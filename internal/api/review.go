package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type scanRequest struct {
	BatchSize int `json:"batch_size" validate:"gte=0"`
}

type approveRequest struct {
	ScheduledDate time.Time `json:"scheduled_date" validate:"required"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.BatchSize == 0 {
		req.BatchSize = h.GenerateBatchSize
	}

	res, err := h.Workflow.ScanAndGenerate(r.Context(), req.BatchSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) pendingReview(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items, err := h.Workflow.ListPendingReview(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Workflow.ApproveTemplate(r.Context(), chi.URLParam(r, "code"), req.ScheduledDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Workflow.RejectTemplate(r.Context(), chi.URLParam(r, "code"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	res, err := h.Workflow.Regenerate(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
