package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes orchestrator counters and gauges.
type Metrics struct {
	JobsEnqueued     *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	ActiveSlots      prometheus.Gauge
	PollErrors       prometheus.Counter
	WebhookAttempts  *prometheus.CounterVec
	WebhookExhausted prometheus.Counter
}

// NewMetrics registers the orchestrator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigpu_jobs_enqueued_total",
			Help: "Jobs accepted into the queue, by operation class.",
		}, []string{"class"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigpu_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		ActiveSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apigpu_active_remote_slots",
			Help: "Remote worker slots currently held.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apigpu_poll_errors_total",
			Help: "Non-404 errors polling the remote endpoint.",
		}),
		WebhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigpu_webhook_attempts_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		WebhookExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apigpu_webhook_exhausted_total",
			Help: "Jobs whose webhook delivery budget ran out.",
		}),
	}
	reg.MustRegister(
		m.JobsEnqueued, m.JobsFinished, m.ActiveSlots,
		m.PollErrors, m.WebhookAttempts, m.WebhookExhausted,
	)
	return m
}
