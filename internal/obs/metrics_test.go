package obs

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncrementsAndRendersWithLabel(t *testing.T) {
	reg := NewRegistry()
	inc := reg.Counter("broker_rejected_total")
	inc("bad_signature", 1)
	inc("bad_signature", 2)
	inc("oversize", 1)

	text := reg.WriteText()
	assert.Contains(t, text, `broker_rejected_total{reason="bad_signature"} 3`)
	assert.Contains(t, text, `broker_rejected_total{reason="oversize"} 1`)
}

func TestCounterUnlabeledRendersBareName(t *testing.T) {
	reg := NewRegistry()
	inc := reg.Counter("broker_accepted_total")
	inc("", 5)

	text := reg.WriteText()
	assert.Contains(t, text, "broker_accepted_total 5")
}

func TestGaugeSetOverwrites(t *testing.T) {
	reg := NewRegistry()
	set := reg.Gauge("agent_wal_backlog_bytes")
	set(100)
	set(42)

	assert.Contains(t, reg.WriteText(), "agent_wal_backlog_bytes 42")
}

func TestHistogramObserveAccumulates(t *testing.T) {
	reg := NewRegistry()
	observe := reg.Histogram("agent_publish_latency_seconds")
	observe(0.002)
	observe(0.2)

	text := reg.WriteText()
	assert.Contains(t, text, "agent_publish_latency_seconds_count 2")
	require.True(t, strings.Contains(text, "agent_publish_latency_seconds_sum"))
	assert.Contains(t, text, `agent_publish_latency_seconds_bucket{le="+Inf"} 2`)
}

func TestHealthEndpoints(t *testing.T) {
	reg := NewRegistry()
	ready := &Readiness{}
	h := Handler(reg, ready)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, 200, rr.Code)

	req = httptest.NewRequest("GET", "/ready", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, 503, rr.Code, "must be unready before SetReady(true)")

	ready.SetReady(true)
	req = httptest.NewRequest("GET", "/ready", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, 200, rr.Code)
}
