package durablelog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "broker.db")
	l, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

const ttl5m = int64(5 * 60 * 1e9)

func TestInsertNewKeySucceeds(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	err := l.Insert(ctx, 1000, ttl5m, "agent-1", "key-1", []byte("payload"))
	require.NoError(t, err)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertDuplicateWithinTTLRejected(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	require.NoError(t, l.Insert(ctx, 1000, ttl5m, "agent-1", "key-1", []byte("payload")))
	err := l.Insert(ctx, 1000+1e9, ttl5m, "agent-1", "key-1", []byte("payload-retry"))
	assert.ErrorIs(t, err, ErrDuplicate)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "duplicate must not append a second event row")
}

func TestInsertSameKeyAfterTTLExpiryAccepted(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	require.NoError(t, l.Insert(ctx, 1000, ttl5m, "agent-1", "key-1", []byte("payload")))
	err := l.Insert(ctx, 1000+ttl5m+1, ttl5m, "agent-1", "key-1", []byte("payload-2"))
	require.NoError(t, err)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSweepExpiredRemovesOldEntriesOnly(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t)

	require.NoError(t, l.Insert(ctx, 1000, ttl5m, "agent-1", "old-key", []byte("a")))
	require.NoError(t, l.Insert(ctx, 1000+ttl5m, ttl5m, "agent-1", "new-key", []byte("b")))

	removed, err := l.SweepExpired(ctx, 1000+ttl5m+1, ttl5m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err := l.DedupCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
