package api

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"PulseCampaign/internal/dispatch"
	"PulseCampaign/internal/email"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/tracking"
	"PulseCampaign/internal/workflow"
)

const (
	defaultPage = 50
	maxPage     = 500
)

type Handler struct {
	Scheduler *scheduler.Scheduler
	Queue     *queue.Service
	Workflow  *workflow.Workflow
	Dispatch  *dispatch.Orchestrator
	Tracker   *tracking.Tracker
	Provider  email.Provider
	Log       *zap.Logger

	GenerateBatchSize int
	DispatchBatchSize int
	MaxCohortRows     int

	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(h Handler) *Handler {
	h.validate = validator.New()
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return &h
}

func zapRequest(r *http.Request, err error) []zap.Field {
	return []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.Provider.TestConnection(r.Context())

	status := http.StatusOK
	if !st.Connected {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"ok":               st.Connected,
		"provider":         h.Provider.Name(),
		"response_time_ms": st.ResponseTime.Milliseconds(),
		"error":            st.Error,
	})
}
