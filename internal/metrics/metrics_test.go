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

// TestRecording tests that helpers update the collectors
func TestRecording(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRequest("GET", "/ping", 200, 5*time.Millisecond)
	m.ObserveRequest("GET", "/ping", 200, 5*time.Millisecond)
	m.Throttled()
	m.ConnectionOpened("upgraded")
	m.ConnectionOpened("upgraded")
	m.ConnectionClosed("upgraded")
	m.Command("subscribe", 200)
	m.Delivered("channel", 3)
	m.Delivered("channel", 0)
	m.BrokerError("publish")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/ping", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThrottledTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections.WithLabelValues("upgraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("subscribe", "200")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BroadcastDeliveries.WithLabelValues("channel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerErrors.WithLabelValues("publish")))
}

// TestNilMetrics tests that a nil receiver is safe
func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("GET", "/", 200, time.Second)
		m.Throttled()
		m.ConnectionOpened("plain")
		m.ConnectionClosed("plain")
		m.Command("x", 1)
		m.Delivered("all", 1)
		m.BrokerError("publish")
	})
	assert.Nil(t, m.Registry())
}

// TestHandler tests the exposition endpoint
func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Throttled()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kephasgate_http_throttled_total 1"))
}
