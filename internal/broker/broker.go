// Package broker is the event broker's (EB) request pipeline: mTLS peer
// authentication, CN-based authorization, admission control, signature
// verification, dedup, and durable persistence, per spec.md §4's eight-step
// pipeline.
package broker

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/karasz/telemetry-core/internal/durablelog"
	"github.com/karasz/telemetry-core/internal/obs"
	"github.com/karasz/telemetry-core/internal/scl"
	"github.com/karasz/telemetry-core/internal/wire"
)

// TrustMap maps an authenticated peer's TLS client-certificate CN to that
// peer's Ed25519 signing public key.
type TrustMap map[string]ed25519.PublicKey

// Config bundles the admission thresholds and dependencies the broker's
// pipeline needs.
type Config struct {
	TrustMap        TrustMap
	MaxEnvBytes     int
	MaxInflight     int64
	HardMaxInflight int64
	DedupTTLNs      int64
	OverloadMode    *atomic.Bool // nil means never force-overload
	Log             *durablelog.Log
	Logger          *slog.Logger
	Registry        *obs.Registry
	Now             func() int64 // overridable for tests
}

// Broker serves the publish endpoints and owns the inflight counter.
type Broker struct {
	cfg      Config
	inflight atomic.Int64
	ready    *obs.Readiness
}

// New builds a Broker. readiness is flipped to true by the caller once all
// startup dependencies (TLS material, trust map, durable log, dedup index)
// are confirmed live.
func New(cfg Config, ready *obs.Readiness) *Broker {
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().UnixNano() }
	}
	return &Broker{cfg: cfg, ready: ready}
}

// Mux returns the HTTP handler serving /v1/publish and /v1/publish/telemetry.
// The obs-package health/ready/metrics endpoints are not on this mux; they
// are served by a separate handler from obs.Handler.
func (b *Broker) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/publish", b.handlePublish)
	mux.HandleFunc("/v1/publish/telemetry", b.handlePublish)
	return mux
}

// TLSConfig builds the server-side mTLS configuration: client certs are
// required and verified against the configured CA bundle, matching the
// teacher's tlsConfigWithDefaults pattern generalized to require (not just
// accept) client certificates.
func TLSConfig(serverCert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
	}
}

func (b *Broker) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cn, ok := peerCN(r)
	if !ok {
		b.writeAck(w, invalidAck("unauthorized_peer"))
		return
	}

	pub, ok := b.cfg.TrustMap[cn]
	if !ok {
		b.count("broker_rejected_total", "unauthorized_peer")
		b.writeAck(w, invalidAck("unauthorized_peer"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(b.cfg.MaxEnvBytes)+1))
	if err != nil {
		b.count("broker_rejected_total", "read_error")
		b.writeAck(w, invalidAck("read_error"))
		return
	}
	if len(body) > b.cfg.MaxEnvBytes {
		b.count("broker_rejected_total", "oversize")
		b.writeAck(w, invalidAck("oversize"))
		return
	}

	if ack, overloaded := b.admit(); overloaded {
		b.writeAck(w, ack)
		return
	}
	defer b.inflight.Add(-1)

	var env wire.Envelope
	if err := env.Unmarshal(body); err != nil {
		b.count("broker_rejected_total", "malformed")
		b.writeAck(w, invalidAck("malformed"))
		return
	}

	if len(env.IdempotencyKey) > wire.MaxIdempotencyKeyLen {
		b.count("broker_rejected_total", "idempotency_key_too_long")
		b.writeAck(w, invalidAck("idempotency_key_too_long"))
		return
	}

	verifyStart := time.Now()
	valid := scl.VerifyEnvelope(pub, &env)
	b.observe("broker_verify_latency_seconds", time.Since(verifyStart).Seconds())
	if !valid {
		b.count("broker_rejected_total", "bad_signature")
		b.writeAck(w, invalidAck("bad_signature"))
		return
	}

	now := b.cfg.Now()
	persistStart := time.Now()
	err = b.cfg.Log.Insert(context.Background(), now, b.cfg.DedupTTLNs, cn, env.IdempotencyKey, body)
	b.observe("broker_persist_latency_seconds", time.Since(persistStart).Seconds())
	switch {
	case err == nil:
		b.count("broker_accepted_total", "")
		b.writeAck(w, &wire.Ack{Status: wire.AckOK, Duplicate: false, ProcessedTsNs: uint64(now), HasProcessedTsNs: true})
	case isDuplicate(err):
		b.count("broker_duplicate_total", "")
		b.writeAck(w, &wire.Ack{Status: wire.AckOK, Duplicate: true, ProcessedTsNs: uint64(now), HasProcessedTsNs: true})
	default:
		if b.cfg.Logger != nil {
			b.cfg.Logger.Error("durable log insert failed", "error", err)
		}
		b.count("broker_overload_total", "persist_failed")
		b.writeAck(w, &wire.Ack{Status: wire.AckOverload, Reason: "persist_failed", BackoffHintMs: 1000})
	}
}

func isDuplicate(err error) bool {
	return err == durablelog.ErrDuplicate
}

// admit applies the hard/soft inflight caps before any parsing happens for
// the hard cap, satisfying P8 (no signature work under hard overload).
func (b *Broker) admit() (*wire.Ack, bool) {
	if b.cfg.OverloadMode != nil && b.cfg.OverloadMode.Load() {
		b.count("broker_overload_total", "overload_mode")
		return &wire.Ack{Status: wire.AckOverload, Reason: "overload_mode", BackoffHintMs: jittered(500, 1500)}, true
	}
	n := b.inflight.Add(1)
	if n > b.cfg.HardMaxInflight {
		b.inflight.Add(-1)
		b.count("broker_overload_total", "hard_max_inflight")
		return &wire.Ack{Status: wire.AckOverload, Reason: "hard_max_inflight", BackoffHintMs: jittered(500, 1500)}, true
	}
	if n > b.cfg.MaxInflight {
		b.inflight.Add(-1)
		b.count("broker_overload_total", "max_inflight")
		return &wire.Ack{Status: wire.AckOverload, Reason: "max_inflight", BackoffHintMs: jittered(100, 300)}, true
	}
	b.setGauge("broker_inflight", n)
	return nil, false
}

func jittered(lo, hi int) uint32 {
	return uint32(lo + rand.Intn(hi-lo+1))
}

func invalidAck(reason string) *wire.Ack {
	return &wire.Ack{Status: wire.AckInvalid, Reason: reason}
}

func (b *Broker) writeAck(w http.ResponseWriter, ack *wire.Ack) {
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(ack.Marshal())
}

func (b *Broker) count(name, label string) {
	if b.cfg.Registry == nil {
		return
	}
	b.cfg.Registry.Counter(name)(label, 1)
}

func (b *Broker) observe(name string, seconds float64) {
	if b.cfg.Registry == nil {
		return
	}
	b.cfg.Registry.Histogram(name)(seconds)
}

func (b *Broker) setGauge(name string, v int64) {
	if b.cfg.Registry == nil {
		return
	}
	b.cfg.Registry.Gauge(name)(v)
}

func peerCN(r *http.Request) (string, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", false
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", false
	}
	return cn, true
}
