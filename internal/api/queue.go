package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/store"
)

type statusRequest struct {
	Status        models.QueueStatus `json:"status" validate:"required"`
	ScheduledDate *time.Time         `json:"scheduled_date"`
	Reason        string             `json:"reason"`
	Error         string             `json:"error"`
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	items, err := h.Queue.List(r.Context(), store.QueueFilter{
		Status:       models.QueueStatus(q.Get("status")),
		JobID:        q.Get("job_id"),
		Pipeline:     q.Get("pipeline"),
		TemplateCode: q.Get("template_code"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context(), r.URL.Query().Get("job_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) updateQueueStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		h.writeError(w, r, apperr.NewValidation("status", "unknown queue status"))
		return
	}

	item, err := h.Queue.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, queue.TransitionOpts{
		ScheduledAt:     req.ScheduledDate,
		RejectionReason: req.Reason,
		LastError:       req.Error,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) requeueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}
