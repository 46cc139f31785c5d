package api

import (
	"net/http"
	"strings"
	"time"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/events"
)

type dispatchRequest struct {
	Pipeline string     `json:"pipeline"`
	AsOf     *time.Time `json:"as_of"`
	Limit    int        `json:"limit" validate:"gte=0"`
}

// dispatchNow sends due items outside of any job.
func (h *Handler) dispatchNow(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	asOf := h.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	if req.Limit == 0 {
		req.Limit = h.DispatchBatchSize
	}

	items, err := h.Dispatch.GetScheduledItems(r.Context(), req.Pipeline, asOf, req.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Dispatch.DispatchBatch(r.Context(), nil, items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) dispatchStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"in_progress": h.Dispatch.InProgress()}

	if cohort := r.URL.Query().Get("cohort"); cohort != "" {
		held, err := h.Dispatch.CohortInProgress(r.Context(), cohort)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp["cohort"] = cohort
		resp["cohort_in_progress"] = held
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if err := h.decode(r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}

	rec, err := h.Tracker.RecordDeliveryEvent(r.Context(), ev.ProviderMessageID, ev.Event, ev.Timestamp)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		h.writeError(w, r, apperr.NewValidation("ids", "at least one record id is required"))
		return
	}

	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	recs, err := h.Tracker.GetRecordsByIDs(r.Context(), ids)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}
