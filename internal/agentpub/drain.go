package agentpub

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/karasz/telemetry-core/internal/wire"
)

// DrainLoop repeatedly peeks a batch from the WAL and attempts to publish
// each row in FIFO order, per spec.md §4's drain-loop contract: on OK,
// delete; on OVERLOAD, sleep backoff_hint_ms + jitter and stop this pass; on
// transport error, exponential backoff and retry this batch; if the WAL is
// empty, sleep a short idle interval.
type DrainLoop struct {
	pub       *Publisher
	batchSize int
	idleSleep time.Duration
	log       *slog.Logger
	attempt   int
}

// NewDrainLoop builds a DrainLoop bound to pub.
func NewDrainLoop(pub *Publisher, batchSize int, idleSleep time.Duration, log *slog.Logger) *DrainLoop {
	return &DrainLoop{pub: pub, batchSize: batchSize, idleSleep: idleSleep, log: log}
}

// Run blocks draining the WAL until ctx is cancelled.
func (d *DrainLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if stop := d.runOnce(ctx); stop {
			return
		}
	}
}

// runOnce drains one batch and reports whether the caller's context ended.
func (d *DrainLoop) runOnce(ctx context.Context) (ctxDone bool) {
	rows, quarantined, err := d.pub.wal.PeekBatch(ctx, d.batchSize)
	if err != nil {
		if d.log != nil {
			d.log.Error("wal peek_batch failed", "error", err)
		}
		return sleepCtx(ctx, d.idleSleep)
	}
	if quarantined > 0 {
		d.pub.count("agent_wal_quarantined_total")
	}
	d.pub.reportBacklog(ctx)
	if len(rows) == 0 {
		return sleepCtx(ctx, d.idleSleep)
	}

	var delivered []int64
	for _, row := range rows {
		ack, err := d.pub.tryPublish(ctx, row.Bytes)
		switch {
		case err != nil:
			if len(delivered) > 0 {
				_ = d.pub.wal.Delete(ctx, delivered)
			}
			d.attempt++
			if d.attempt > d.pub.retryMax {
				if d.log != nil {
					d.log.Error("drain loop giving up on batch after max retries", "attempts", d.attempt)
				}
				d.attempt = 0
				return sleepCtx(ctx, d.idleSleep)
			}
			return sleepCtx(ctx, Backoff(d.attempt))
		case ack.Status == wire.AckOverload:
			if len(delivered) > 0 {
				_ = d.pub.wal.Delete(ctx, delivered)
			}
			hint := time.Duration(ack.BackoffHintMs) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(hint/4 + 1)))
			return sleepCtx(ctx, hint+jitter)
		case ack.Status == wire.AckInvalid:
			// Permanently rejected; drop it from the WAL rather than retry
			// forever, matching Submit's handling of the same status.
			delivered = append(delivered, row.ID)
		default: // AckOK
			d.attempt = 0
			delivered = append(delivered, row.ID)
		}
	}
	if len(delivered) > 0 {
		if err := d.pub.wal.Delete(ctx, delivered); err != nil && d.log != nil {
			d.log.Error("wal delete after successful drain failed", "error", err)
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
