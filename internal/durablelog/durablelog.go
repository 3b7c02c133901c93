// Package durablelog is the broker's persisted event log plus the
// TTL-bounded idempotency-key index used to detect duplicate publishes
// across agent retries.
package durablelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned by Insert when idempotencyKey is already present
// and not yet expired from the dedup index.
var ErrDuplicate = errors.New("durablelog: duplicate idempotency key")

// Log is the broker's durable store: every accepted envelope is appended
// here, and a side index tracks idempotency_key -> first-seen timestamp so
// a retried publish ties out to the original decision instead of
// double-processing.
type Log struct {
	db *sql.DB
}

// Open creates/opens the sqlite-backed durable log, applying the same
// WAL-mode/full-sync durability pragmas as the agent's local write-ahead
// log, since both need the same crash-safety guarantee.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("durablelog: set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS events (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  idem             TEXT    NOT NULL,
  received_ts_ns   INTEGER NOT NULL,
  envelope_bytes   BLOB    NOT NULL,
  checksum         BLOB    NOT NULL,
  source_cn        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_idem_idx ON events(idem);
CREATE TABLE IF NOT EXISTS dedup (
  idempotency_key  TEXT PRIMARY KEY,
  first_seen_ts_ns INTEGER NOT NULL,
  event_id         INTEGER NOT NULL REFERENCES events(id)
);
CREATE INDEX IF NOT EXISTS dedup_first_seen_idx ON dedup(first_seen_ts_ns);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// checksum returns the BLAKE2b-256 digest of b, per spec's checksum
// algorithm and step 7 of the broker's publish pipeline.
func checksum(b []byte) []byte {
	sum := blake2b.Sum256(b)
	return sum[:]
}

// Insert appends envelopeBytes and atomically checks/claims idempotencyKey
// in the dedup index. If the key is already claimed and has not yet expired
// (per ttlNs relative to nowNs), Insert returns ErrDuplicate and does not
// append the event row — the broker acks this as a duplicate, not a new
// event (spec's at-least-once dedup contract). Once the key's claim has
// expired, a republish under the same key is treated as a new event and
// gets its own event row, with the dedup entry repointed at it, so the
// index always references the event row it most recently admitted.
func (l *Log) Insert(ctx context.Context, nowNs, ttlNs int64, sourceCN, idempotencyKey string, envelopeBytes []byte) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var firstSeen int64
	err = tx.QueryRowContext(ctx, `SELECT first_seen_ts_ns FROM dedup WHERE idempotency_key = ?`, idempotencyKey).Scan(&firstSeen)
	claimed := err == nil
	if claimed && nowNs-firstSeen < ttlNs {
		return ErrDuplicate
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(idem, received_ts_ns, envelope_bytes, checksum, source_cn) VALUES(?, ?, ?, ?, ?)`,
		idempotencyKey, nowNs, envelopeBytes, checksum(envelopeBytes), sourceCN)
	if err != nil {
		return err
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dedup SET first_seen_ts_ns = ?, event_id = ? WHERE idempotency_key = ?`,
			nowNs, eventID, idempotencyKey); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedup(idempotency_key, first_seen_ts_ns, event_id) VALUES(?, ?, ?)`,
			idempotencyKey, nowNs, eventID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SweepExpired removes dedup entries older than ttlNs relative to nowNs. The
// broker runs this periodically so the index doesn't grow unbounded; it
// never touches the events table, which is the durable record of what was
// accepted.
func (l *Log) SweepExpired(ctx context.Context, nowNs, ttlNs int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM dedup WHERE ? - first_seen_ts_ns >= ?`, nowNs, ttlNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the total number of durably stored events, used by health
// reporting and tests.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// DedupCount returns the number of live dedup index entries.
func (l *Log) DedupCount(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dedup`).Scan(&n)
	return n, err
}

// SourceCNs returns the distinct source_cn values with at least one stored
// event, for offline tooling that walks each signer's chain separately.
func (l *Log) SourceCNs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT source_cn FROM events ORDER BY source_cn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var cn string
		if err := rows.Scan(&cn); err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, rows.Err()
}

// EnvelopesBySourceCN returns the envelope bytes of every event from cn, in
// the order they were received, for offline prev_sig continuity auditing.
func (l *Log) EnvelopesBySourceCN(ctx context.Context, cn string) ([][]byte, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT envelope_bytes FROM events WHERE source_cn = ? ORDER BY id`, cn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
