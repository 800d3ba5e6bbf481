package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/scandiff-worker/internal/model"
)

func TestObserveJob(t *testing.T) {
	m := New()
	m.ObserveJob(StatusDone, 2*time.Second)
	m.ObserveJob(StatusDone, time.Second)
	m.ObserveJob(StatusFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues(StatusDone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues(StatusFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestObserveSummary(t *testing.T) {
	m := New()
	m.ObserveSummary(model.Summary{
		BySeverityAndState: map[model.Severity]model.StateCounts{
			model.SeverityCritical: {New: 2, Unchanged: 1},
			model.SeverityLow:      {Removed: 3},
		},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.findingsTotal.WithLabelValues("NEW", "CRITICAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.findingsTotal.WithLabelValues("UNCHANGED", "CRITICAL")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.findingsTotal.WithLabelValues("REMOVED", "LOW")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveJob(StatusDone, time.Second)
		m.ObserveSummary(model.Summary{})
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveJob(StatusDone, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scandiff_jobs_total{status="done"} 1`)
	assert.Contains(t, rec.Body.String(), "scandiff_job_duration_seconds_count 1")
}
