package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDecision(t *testing.T) {
	m := New()

	m.ObserveDecision("api:orders:ip", DecisionAllowed, 2*time.Millisecond)
	m.ObserveDecision("api:orders:ip", DecisionAllowed, time.Millisecond)
	m.ObserveDecision("api:orders:ip", DecisionRejected, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("api:orders:ip", DecisionAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("api:orders:ip", DecisionRejected)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CheckDuration))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("s", DecisionAllowed, 0)
	m.ObserveStoreError("increment")
	m.SetPolicies(3)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetPolicies(4)
	m.ObserveStoreError("increment")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "consoleguard_policies_loaded 4"))
	assert.True(t, strings.Contains(body, `consoleguard_store_errors_total{operation="increment"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
