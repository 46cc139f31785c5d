package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	DraftsGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drafts_generated_total",
			Help: "Total drafts generated for review",
		},
	)

	GenerationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_failures_total",
			Help: "Total queue items that failed generation",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Jobs finished by action and final status",
		},
		[]string{"action", "status"},
	)

	DeliveryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_events_total",
			Help: "Delivery events applied to email records",
		},
		[]string{"event"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_batch_duration_seconds",
			Help:    "Time spent dispatching one batch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(EmailsSent)
		prometheus.MustRegister(EmailFailures)
		prometheus.MustRegister(DraftsGenerated)
		prometheus.MustRegister(GenerationFailures)
		prometheus.MustRegister(JobsFinished)
		prometheus.MustRegister(DeliveryEvents)
		prometheus.MustRegister(DispatchDuration)
	})
}
