package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/store"
)

type retryRequest struct {
	DelayMinutes int `json:"delay_minutes" validate:"gte=0"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.JobSpec
	if err := h.decode(r, &spec); err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.Scheduler.CreateJob(r.Context(), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	jobs, err := h.Scheduler.ListJobs(r.Context(), store.JobFilter{
		Pipeline: r.URL.Query().Get("pipeline"),
		Status:   models.JobStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Scheduler.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	original, err := h.Scheduler.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.Scheduler.CreateRetryJob(r.Context(), original, req.DelayMinutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) jobReport(w http.ResponseWriter, r *http.Request) {
	job, err := h.Scheduler.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rep, err := h.Tracker.CohortReport(r.Context(), job.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
