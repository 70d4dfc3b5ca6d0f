package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabhub/tabhub/internal/metrics"
)

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200"))

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_GroupsUnknownPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/other", "404"))

	resp, err := http.Get(server.URL + "/totally/unknown")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/other", "404"))
	assert.Equal(t, float64(1), after-before)
}

func TestActiveRequestersGauge(t *testing.T) {
	before := testutil.ToFloat64(metrics.ActiveRequesters)
	metrics.ActiveRequesters.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveRequesters)-before)
	metrics.ActiveRequesters.Dec()
	assert.Equal(t, before, testutil.ToFloat64(metrics.ActiveRequesters))
}

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
