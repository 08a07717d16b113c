package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/users/{userID}/alerts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/users/{userID}/alerts", "4xx"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/u-42/alerts", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/users/{userID}/alerts", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(3, 1, 7, 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueDepth.WithLabelValues("waiting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth.WithLabelValues("failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	AlertsTotal.WithLabelValues("fraud_detection", "high").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kestrel_alerts_total"))
}

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "2xx", statusBucket(0))
	assert.Equal(t, "2xx", statusBucket(201))
	assert.Equal(t, "3xx", statusBucket(304))
	assert.Equal(t, "4xx", statusBucket(429))
	assert.Equal(t, "5xx", statusBucket(503))
}
