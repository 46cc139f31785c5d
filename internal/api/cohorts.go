package api

import (
	"net/http"
	"time"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/csvparser"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/worker"
)

const maxUpload = 10 << 20

// uploadCohort turns a recipient CSV into an enqueue job.
func (h *Handler) uploadCohort(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		h.writeError(w, r, apperr.NewValidation("file", "expected multipart form: "+err.Error()))
		return
	}

	pipeline := r.FormValue("pipeline")
	code := r.FormValue("template_code")
	if pipeline == "" {
		h.writeError(w, r, apperr.NewValidation("pipeline", "pipeline is required"))
		return
	}
	if code == "" {
		h.writeError(w, r, apperr.NewValidation("template_code", "template code is required"))
		return
	}

	contentType := models.ContentType(r.FormValue("content_type"))
	if contentType == "" {
		contentType = models.ContentPredefined
	}
	if !contentType.Valid() {
		h.writeError(w, r, apperr.NewValidation("content_type", "must be predefined or ai_generated"))
		return
	}

	scheduledAt := h.now()
	if s := r.FormValue("scheduled_at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, r, apperr.NewValidation("scheduled_at", "must be an RFC3339 timestamp"))
			return
		}
		scheduledAt = t
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, apperr.NewValidation("file", "file is required"))
		return
	}
	defer f.Close()

	rows, err := csvparser.Parse(f, h.MaxCohortRows)
	if err != nil {
		h.writeError(w, r, apperr.NewValidation("file", err.Error()))
		return
	}

	recipients := make([]worker.Recipient, 0, len(rows))
	for _, row := range rows {
		recipients = append(recipients, worker.Recipient{
			RecipientID: row.RecipientID,
			Email:       row.Email,
			Variables:   row.Variables,
		})
	}

	job, err := h.Scheduler.CreateJob(r.Context(), scheduler.JobSpec{
		Pipeline:    pipeline,
		Action:      models.ActionEnqueue,
		ScheduledAt: scheduledAt,
		Description: r.FormValue("description"),
		Metadata: map[string]any{
			worker.MetaTemplateCode: code,
			worker.MetaContentType:  string(contentType),
			worker.MetaSubject:      r.FormValue("subject"),
			worker.MetaRecipients:   recipients,
		},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"job":        job,
		"recipients": len(recipients),
	})
}
