package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pilab-dev/shadow-vault/broker"
	"github.com/pilab-dev/shadow-vault/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	status broker.HealthStatus
}

func (s staticChecker) HealthCheck(context.Context) broker.HealthStatus { return s.status }

func serve(t *testing.T, checker HealthChecker, reg *prometheus.Registry, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(log.NewNopLogger(), checker, reg)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_Healthy(t *testing.T) {
	checker := staticChecker{status: broker.HealthStatus{
		Status:  broker.StatusHealthy,
		Details: map[string]any{"pool_size": 2},
	}}

	rec := serve(t, checker, prometheus.NewRegistry(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body broker.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, broker.StatusHealthy, body.Status)
	assert.EqualValues(t, 2, body.Details["pool_size"])
}

func TestHealthz_UnhealthyReturns503(t *testing.T) {
	checker := staticChecker{status: broker.HealthStatus{Status: broker.StatusUnhealthy}}

	rec := serve(t, checker, prometheus.NewRegistry(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), broker.StatusUnhealthy)
}

func TestMetrics_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "svault_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := serve(t, staticChecker{}, reg, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "svault_test_total 1")
}

func TestUnknownRouteIs404(t *testing.T) {
	rec := serve(t, staticChecker{}, prometheus.NewRegistry(), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
