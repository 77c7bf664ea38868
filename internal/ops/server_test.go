package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/metrics"
)

type healthProbe struct {
	name string
	up   bool
}

func (p healthProbe) Name() string              { return p.name }
func (p healthProbe) GetConnectionStatus() bool { return p.up }

func newTestServer(opts Options) *Server {
	opts.Logger = zerolog.Nop()
	if opts.NodeID == "" {
		opts.NodeID = "n1"
	}
	return NewServer(Config{}, opts)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsStores(t *testing.T) {
	s := newTestServer(Options{
		Health: []HealthSource{
			healthProbe{name: "sessions", up: true},
			healthProbe{name: "postgres", up: true},
		},
	})

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp struct {
		Status string          `json:"status"`
		NodeID string          `json:"nodeId"`
		Stores map[string]bool `json:"stores"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "n1", resp.NodeID)
	assert.Equal(t, map[string]bool{"sessions": true, "postgres": true}, resp.Stores)
}

func TestHealthDegradedStaysLive(t *testing.T) {
	s := newTestServer(Options{
		Health: []HealthSource{healthProbe{name: "postgres", up: false}},
	})

	rec := get(t, s, "/healthz")
	// A dead dependency degrades the node but must not kill liveness.
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestReadyGate(t *testing.T) {
	var ready atomic.Bool
	s := newTestServer(Options{Ready: ready.Load})

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/readyz").Code)

	ready.Store(true)
	assert.Equal(t, http.StatusOK, get(t, s, "/readyz").Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.MessagesIn.Inc()
	s := newTestServer(Options{Metrics: reg})

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arcmq_messages_in_total")
}

func TestUnknownPathIs404(t *testing.T) {
	s := newTestServer(Options{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/nope").Code)
}
