package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *Handler, origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	RegisterRoutes(r, h)
	return r
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/healthz", h.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
		r.Post("/{id}/retry", h.retryJob)
		r.Get("/{id}/report", h.jobReport)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.listQueue)
		r.Get("/stats", h.queueStats)
		r.Get("/{id}", h.getQueueItem)
		r.Patch("/{id}/status", h.updateQueueStatus)
		r.Post("/{id}/requeue", h.requeueItem)
	})

	r.Route("/review", func(r chi.Router) {
		r.Post("/scan", h.scan)
		r.Get("/pending", h.pendingReview)
		r.Post("/{code}/approve", h.approve)
		r.Post("/{code}/reject", h.reject)
		r.Post("/{code}/regenerate", h.regenerate)
	})

	r.Post("/dispatch", h.dispatchNow)
	r.Get("/dispatch/status", h.dispatchStatus)

	r.Post("/cohorts", h.uploadCohort)
	r.Post("/webhooks/delivery", h.deliveryWebhook)
	r.Get("/records", h.listRecords)
}
