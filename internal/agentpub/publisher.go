// Package agentpub is the sensor agent's publish path: sign, size-check,
// rate-limit, attempt a direct publish, and fall back to the local
// write-ahead log on a transport error or an OVERLOAD ack so the drain loop
// can retry later without losing the envelope (spec.md §4's AP -> EB data
// flow). An envelope the broker answers with INVALID is dropped, not queued.
package agentpub

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/karasz/telemetry-core/internal/obs"
	"github.com/karasz/telemetry-core/internal/ratelimit"
	"github.com/karasz/telemetry-core/internal/scl"
	"github.com/karasz/telemetry-core/internal/wal"
	"github.com/karasz/telemetry-core/internal/wire"
)

// Outcome classifies what happened to one Submit call, for metrics and
// caller logging.
type Outcome int

const (
	OutcomePublished Outcome = iota
	OutcomeQueued
	OutcomeDroppedOversize
	OutcomeDroppedRateLimited
)

// ErrOversize is returned when the signed, serialized envelope exceeds the
// configured max_env_bytes; the check runs after signing and before any
// publish attempt or WAL append.
type ErrOversize struct{ Size, Max int }

func (e *ErrOversize) Error() string {
	return fmt.Sprintf("agentpub: envelope %d bytes exceeds max_env_bytes %d", e.Size, e.Max)
}

// ErrIdempotencyKeyTooLong is returned when idempotency_key exceeds
// wire.MaxIdempotencyKeyLen.
type ErrIdempotencyKeyTooLong struct{ Len int }

func (e *ErrIdempotencyKeyTooLong) Error() string {
	return fmt.Sprintf("agentpub: idempotency_key %d bytes exceeds max %d", e.Len, wire.MaxIdempotencyKeyLen)
}

// Publisher owns the HTTP client talking to the broker, the signing key,
// the rate limiter, and the local WAL used as a fallback queue.
type Publisher struct {
	client       *http.Client
	brokerURL    string
	priv         ed25519.PrivateKey
	limiter      *ratelimit.Bucket
	wal          *wal.WAL
	maxEnvBytes  int
	retryMax     int
	retryTimeout time.Duration
	log          *slog.Logger
	reg          *obs.Registry
}

// Config bundles Publisher construction parameters.
type Config struct {
	Client       *http.Client
	BrokerURL    string
	PrivateKey   ed25519.PrivateKey
	Limiter      *ratelimit.Bucket
	WAL          *wal.WAL
	MaxEnvBytes  int
	RetryMax     int
	RetryTimeout time.Duration
	Logger       *slog.Logger
	Registry     *obs.Registry
}

// New builds a Publisher from cfg.
func New(cfg Config) *Publisher {
	return &Publisher{
		client:       cfg.Client,
		brokerURL:    cfg.BrokerURL,
		priv:         cfg.PrivateKey,
		limiter:      cfg.Limiter,
		wal:          cfg.WAL,
		maxEnvBytes:  cfg.MaxEnvBytes,
		retryMax:     cfg.RetryMax,
		retryTimeout: cfg.RetryTimeout,
		log:          cfg.Logger,
		reg:          cfg.Registry,
	}
}

// Submit builds the signed wire form of env, checks size and rate limit,
// attempts one direct publish, and on a transport error (including a non-200
// HTTP status) or an OVERLOAD ack appends to the WAL for the drain loop to
// retry. An INVALID ack drops the envelope and is returned as an error.
func (p *Publisher) Submit(ctx context.Context, env *wire.Envelope) (Outcome, error) {
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = uuid.NewString()
	}
	if len(env.IdempotencyKey) > wire.MaxIdempotencyKeyLen {
		return 0, &ErrIdempotencyKeyTooLong{Len: len(env.IdempotencyKey)}
	}
	env.SigningAlgorithm = "Ed25519"
	if err := scl.SignEnvelope(p.priv, env); err != nil {
		return 0, fmt.Errorf("agentpub: sign: %w", err)
	}

	body := env.Marshal()
	if len(body) > p.maxEnvBytes {
		p.count("agent_dropped_oversize_total")
		return OutcomeDroppedOversize, &ErrOversize{Size: len(body), Max: p.maxEnvBytes}
	}

	if p.limiter != nil && !p.limiter.Allow(1) {
		p.count("agent_dropped_ratelimited_total")
		return OutcomeDroppedRateLimited, fmt.Errorf("agentpub: rate limit exceeded")
	}

	publishStart := time.Now()
	ack, err := p.tryPublish(ctx, body)
	if err == nil && ack.Status == wire.AckOK {
		p.observeLatency("agent_publish_latency_seconds", time.Since(publishStart).Seconds())
		return OutcomePublished, nil
	}
	if err == nil && ack.Status == wire.AckInvalid {
		// A structurally rejected envelope can never succeed by retrying;
		// it is dropped rather than queued, and the broker's reason is
		// returned in the error.
		return OutcomeDroppedOversize, fmt.Errorf("agentpub: broker rejected envelope: %s", ack.Reason)
	}
	if err == nil && ack.Status == wire.AckOverload {
		p.count("agent_broker_overload_total")
	} else {
		p.count("agent_transient_transport_total")
	}

	evicted, werr := p.wal.Append(ctx, env.IdempotencyKey, wal.NowNs(), body)
	if werr != nil {
		return 0, fmt.Errorf("agentpub: wal append: %w", werr)
	}
	if evicted {
		p.count("agent_wal_dropped_oldest_total")
		if p.log != nil {
			p.log.Warn("wal dropped oldest row to respect wal_max_bytes")
		}
	}
	return OutcomeQueued, nil
}

func (p *Publisher) tryPublish(ctx context.Context, body []byte) (*wire.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.brokerURL+"/v1/publish", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentpub: broker returned HTTP %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var ack wire.Ack
	if err := ack.Unmarshal(respBody); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (p *Publisher) count(name string) {
	if p.reg == nil {
		return
	}
	p.reg.Counter(name)("", 1)
}

func (p *Publisher) observeLatency(name string, seconds float64) {
	if p.reg == nil {
		return
	}
	p.reg.Histogram(name)(seconds)
}

// reportBacklog refreshes the WAL backlog gauges. Errors are swallowed: a
// stale gauge reading is preferable to interrupting the drain loop over it.
func (p *Publisher) reportBacklog(ctx context.Context) {
	if p.reg == nil {
		return
	}
	if n, err := p.wal.BacklogBytes(ctx); err == nil {
		p.reg.Gauge("agent_wal_backlog_bytes")(n)
	}
	if n, err := p.wal.BacklogCount(ctx); err == nil {
		p.reg.Gauge("agent_wal_backlog_count")(n)
	}
}

// Backoff implements spec's jittered exponential backoff:
// delay(n) = min(2.0s, 0.05 * 2^n) * uniform(0.5, 1.5).
func Backoff(attempt int) time.Duration {
	base := 0.05 * float64(int64(1)<<uint(attempt))
	if base > 2.0 {
		base = 2.0
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(base * jitter * float64(time.Second))
}
