// Package wal is the agent-local write-ahead log: a bounded, durable FIFO
// queue of signed envelope bytes sitting between capture and the publisher's
// drain loop. It survives process restarts and network outages without
// losing or reordering events, up to its configured byte cap.
package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	_ "modernc.org/sqlite"
)

// ErrEmpty names the empty-log condition. PeekBatch does not return it: an
// empty log yields an empty slice and a nil error.
var ErrEmpty = errors.New("wal: empty")

// Row is one WAL entry: an opaque signed envelope and its monotonic id, per
// the agent WAL row schema (id, idem, ts_ns, bytes, checksum).
type Row struct {
	ID    int64
	Idem  string
	TsNs  int64
	Bytes []byte
}

// WAL is a single-writer, bounded, crash-durable FIFO queue.
type WAL struct {
	db      *sql.DB
	maxByte int64
}

// Open creates/opens the sqlite-backed log at dsn, applying the teacher's
// WAL-mode/full-sync pragma set so a process crash mid-append never
// corrupts committed rows or loses fsync'd data.
func Open(dsn string, maxBytes int64) (*WAL, error) {
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
			return nil, fmt.Errorf("wal: set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS wal_rows (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  idem     TEXT    UNIQUE NOT NULL,
  ts_ns    INTEGER NOT NULL,
  bytes    BLOB    NOT NULL,
  checksum BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS quarantine (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  orig_id      INTEGER NOT NULL,
  idem         TEXT    NOT NULL,
  ts_ns        INTEGER NOT NULL,
  bytes        BLOB    NOT NULL,
  checksum     BLOB    NOT NULL,
  quarantined_ts_ns INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &WAL{db: db, maxByte: maxBytes}, nil
}

func (w *WAL) Close() error { return w.db.Close() }

// checksum returns the BLAKE2b-256 digest of b, per spec's checksum
// algorithm.
func checksum(b []byte) []byte {
	sum := blake2b.Sum256(b)
	return sum[:]
}

// Append inserts envelopeBytes at the tail keyed by idem, then evicts oldest
// rows until the log's total byte footprint is at or under maxByte
// (oldest-drop-on-cap, spec invariant I4). It reports whether an eviction
// occurred so callers can log a data-loss warning.
func (w *WAL) Append(ctx context.Context, idem string, tsNs int64, envelopeBytes []byte) (evicted bool, err error) {
	sum := checksum(envelopeBytes)
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO wal_rows(idem, ts_ns, bytes, checksum) VALUES(?, ?, ?, ?)`,
		idem, tsNs, envelopeBytes, sum); err != nil {
		return false, err
	}

	for {
		total, cerr := totalBytes(ctx, tx)
		if cerr != nil {
			return false, cerr
		}
		if total <= w.maxByte {
			break
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM wal_rows WHERE id = (SELECT MIN(id) FROM wal_rows)`); err != nil {
			return false, err
		}
		evicted = true
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return evicted, nil
}

func totalBytes(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(bytes)),0) FROM wal_rows`).Scan(&total)
	return total.Int64, err
}

// PeekBatch returns up to n rows in strict ascending id (FIFO) order without
// removing them. Rows whose stored checksum no longer matches their bytes
// (on-disk corruption) are moved into the quarantine table rather than
// returned or silently discarded, so a corrupt row stays inspectable instead
// of only ever being logged.
func (w *WAL) PeekBatch(ctx context.Context, n int) ([]Row, int, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, idem, ts_ns, bytes, checksum FROM wal_rows ORDER BY id ASC LIMIT ?`, n)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Row
	var quarantine []Row
	var quarantineChecksum [][]byte
	for rows.Next() {
		var r Row
		var stored []byte
		if err := rows.Scan(&r.ID, &r.Idem, &r.TsNs, &r.Bytes, &stored); err != nil {
			return nil, 0, err
		}
		sum := checksum(r.Bytes)
		if string(sum) != string(stored) {
			quarantine = append(quarantine, r)
			quarantineChecksum = append(quarantineChecksum, stored)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(quarantine) > 0 {
		if err := w.quarantineRows(ctx, quarantine, quarantineChecksum); err != nil {
			return nil, 0, err
		}
	}
	return out, len(quarantine), nil
}

// quarantineRows moves rows (with their originally-stored, now-mismatching
// checksum) into the quarantine table and removes them from wal_rows.
func (w *WAL) quarantineRows(ctx context.Context, rows []Row, storedChecksums [][]byte) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO quarantine(orig_id, idem, ts_ns, bytes, checksum, quarantined_ts_ns) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertStmt.Close()
	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM wal_rows WHERE id = ?`)
	if err != nil {
		return err
	}
	defer deleteStmt.Close()

	now := NowNs()
	for i, r := range rows {
		if _, err := insertStmt.ExecContext(ctx, r.ID, r.Idem, r.TsNs, r.Bytes, storedChecksums[i], now); err != nil {
			return err
		}
		if _, err := deleteStmt.ExecContext(ctx, r.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QuarantineCount returns the number of rows currently held in quarantine.
func (w *WAL) QuarantineCount(ctx context.Context) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&n)
	return n, err
}

// Delete removes rows by id, used once the publisher has a durable ack (or
// has given up retrying) for them.
func (w *WAL) Delete(ctx context.Context, ids []int64) error {
	return w.deleteIDs(ctx, ids)
}

func (w *WAL) deleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM wal_rows WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BacklogBytes returns the current total byte footprint of queued rows.
func (w *WAL) BacklogBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(bytes)),0) FROM wal_rows`).Scan(&total)
	return total.Int64, err
}

// BacklogCount returns the current number of queued rows.
func (w *WAL) BacklogCount(ctx context.Context) (int64, error) {
	var count int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_rows`).Scan(&count)
	return count, err
}

// NowNs returns the current wall-clock time in Unix nanoseconds, the ts_ns
// value stamped on WAL and quarantine rows.
func NowNs() int64 { return time.Now().UnixNano() }
