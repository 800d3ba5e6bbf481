// Package metrics exposes worker counters for Prometheus scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/scandiff-worker/internal/model"
)

const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Metrics holds the worker's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	findingsTotal *prometheus.CounterVec
	jobDuration   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scandiff_jobs_total",
				Help: "Diff jobs finished, by terminal status",
			},
			[]string{"status"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scandiff_findings_total",
				Help: "Classified findings across all diff jobs",
			},
			[]string{"state", "severity"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scandiff_job_duration_seconds",
			Help:    "Wall time from acquire to completion of a diff job",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
	m.registry.MustRegister(m.jobsTotal, m.findingsTotal, m.jobDuration)
	return m
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// ObserveSummary adds one job's severity x state matrix to the findings
// counter.
func (m *Metrics) ObserveSummary(sum model.Summary) {
	if m == nil {
		return
	}
	for sev, c := range sum.BySeverityAndState {
		m.findingsTotal.WithLabelValues(string(model.StateNew), string(sev)).Add(float64(c.New))
		m.findingsTotal.WithLabelValues(string(model.StateRemoved), string(sev)).Add(float64(c.Removed))
		m.findingsTotal.WithLabelValues(string(model.StateUnchanged), string(sev)).Add(float64(c.Unchanged))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
