package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/scanly/scanly/pkg/scanly/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.ObserveRedirect("proceed")
	a.ObserveRedirect("proceed")
	b.ObserveRedirect("proceed")

	assert.InDelta(t, 2, testutil.ToFloat64(a.Redirects.WithLabelValues("proceed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(b.Redirects.WithLabelValues("proceed")), 0)
}

func TestCounters(t *testing.T) {
	m := metrics.New()

	m.ObserveRateLimited()
	m.ObserveRecorded(3)
	m.ObserveDropped()
	m.ObserveRecordFailures(2)
	m.ObservePublishFailure()
	m.ObserveDomainCheck("verified")
	m.ObserveDomainCheck("unverified")
	m.ObserveDomainCheck("unverified")

	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ScansRecorded), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ScansDropped), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ScanRecordFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventPublishFailure), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DomainChecks.WithLabelValues("unverified")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.ObserveRedirect("proceed")
		m.ObserveRateLimited()
		m.ObserveRecorded(1)
		m.ObserveDropped()
		m.ObserveRecordFailures(1)
		m.ObservePublishFailure()
		m.ObserveDomainCheck("verified")
	})
}

func TestHandler(t *testing.T) {
	m := metrics.New()
	m.ObserveRedirect("expired")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `scanly_redirects_total{outcome="expired"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
