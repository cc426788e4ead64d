// Package metrics exposes job orchestration metrics for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the dispatcher and API feed.
type Metrics struct {
	JobsEnqueued *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobsFailed   *prometheus.CounterVec
	JobDuration  prometheus.Histogram
	JobsPending  prometheus.Gauge
	JobsInFlight prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconforge_jobs_enqueued_total",
			Help: "Jobs accepted into the queue.",
		}, []string{"module"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconforge_jobs_finished_total",
			Help: "Jobs that reached the finished state.",
		}, []string{"module"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconforge_jobs_failed_total",
			Help: "Job attempts that failed, including retried attempts.",
		}, []string{"module"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconforge_job_duration_seconds",
			Help:    "Wall-clock duration of module executions.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 1800},
		}),
		JobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconforge_jobs_pending",
			Help: "Jobs currently queued or running.",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconforge_jobs_in_flight",
			Help: "Jobs currently being executed by a worker.",
		}),
	}

	reg.MustRegister(
		m.JobsEnqueued,
		m.JobsFinished,
		m.JobsFailed,
		m.JobDuration,
		m.JobsPending,
		m.JobsInFlight,
	)
	return m
}
