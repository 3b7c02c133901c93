package agentpub

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karasz/telemetry-core/internal/ratelimit"
	"github.com/karasz/telemetry-core/internal/wal"
	"github.com/karasz/telemetry-core/internal/wire"
)

func sampleEnv() *wire.Envelope {
	return &wire.Envelope{
		Version:        "1",
		TsNs:           1,
		IdempotencyKey: "agent-1:flow:1",
		Payload:        &wire.FlowEventPayload{FlowEvent: &wire.FlowEvent{SrcIp: "1.1.1.1"}},
	}
}

func newTestPublisher(t *testing.T, handler http.HandlerFunc) (*Publisher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "agent.db")
	w, err := wal.Open(dsn, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	pub := New(Config{
		Client:      srv.Client(),
		BrokerURL:   srv.URL,
		PrivateKey:  priv,
		Limiter:     ratelimit.New(1000, 1000),
		WAL:         w,
		MaxEnvBytes: 65536,
		RetryMax:    6,
	})
	return pub, srv
}

func ackHandler(status wire.AckStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ack := &wire.Ack{Status: status}
		_, _ = w.Write(ack.Marshal())
	}
}

func TestSubmitPublishesOnOK(t *testing.T) {
	pub, _ := newTestPublisher(t, ackHandler(wire.AckOK))
	outcome, err := pub.Submit(context.Background(), sampleEnv())
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)

	n, err := pub.wal.BacklogCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSubmitQueuesOnOverload(t *testing.T) {
	pub, _ := newTestPublisher(t, ackHandler(wire.AckOverload))
	outcome, err := pub.Submit(context.Background(), sampleEnv())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	n, err := pub.wal.BacklogCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmitQueuesOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dsn := filepath.Join(t.TempDir(), "agent.db")
	w, err := wal.Open(dsn, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	pub := New(Config{Client: srv.Client(), BrokerURL: srv.URL, PrivateKey: priv, WAL: w, MaxEnvBytes: 65536, RetryMax: 6})
	outcome, err := pub.Submit(context.Background(), sampleEnv())
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
}

func TestSubmitDropsOversize(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dsn := filepath.Join(t.TempDir(), "agent.db")
	w, err := wal.Open(dsn, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	pub := New(Config{PrivateKey: priv, WAL: w, MaxEnvBytes: 1})
	outcome, err := pub.Submit(context.Background(), sampleEnv())
	require.Error(t, err)
	assert.Equal(t, OutcomeDroppedOversize, outcome)

	n, err := w.BacklogCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "oversize envelopes must never reach the WAL")
}

func TestSubmitDropsRateLimited(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dsn := filepath.Join(t.TempDir(), "agent.db")
	w, err := wal.Open(dsn, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	pub := New(Config{PrivateKey: priv, WAL: w, MaxEnvBytes: 65536, Limiter: ratelimit.New(0, 0)})
	outcome, err := pub.Submit(context.Background(), sampleEnv())
	require.Error(t, err)
	assert.Equal(t, OutcomeDroppedRateLimited, outcome)
}

func TestDrainLoopDeliversQueuedRowsOnRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.ReadAll(r.Body)
		ack := &wire.Ack{Status: wire.AckOK}
		_, _ = w.Write(ack.Marshal())
	}))
	defer srv.Close()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dsn := filepath.Join(t.TempDir(), "agent.db")
	w, err := wal.Open(dsn, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	pub := New(Config{Client: srv.Client(), BrokerURL: srv.URL, PrivateKey: priv, WAL: w, MaxEnvBytes: 65536, RetryMax: 6})
	_, err = pub.Submit(context.Background(), sampleEnv())
	require.NoError(t, err)

	n, err := w.BacklogCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	failing.Store(false)
	drain := NewDrainLoop(pub, 10, 10*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	drain.Run(ctx)

	n, err = w.BacklogCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
