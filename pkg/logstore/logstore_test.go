package logstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelctl/a2arelay/pkg/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, Entry{Level: LevelInfo, Component: "pipeline", Event: "invoke_ok", Message: "ok", TraceID: "t1"})
	s.Write(ctx, Entry{Level: LevelError, Component: "pipeline", Event: "invoke_failed", Message: "bad", TraceID: "t2", ErrorCode: "internal_error"})

	entries, err := s.List(ctx, Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "invoke_failed", entries[0].Event) // most recent first
}

func TestListFiltersByErrorCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, Entry{Level: LevelInfo, Component: "pipeline", Event: "a", Message: "m"})
	s.Write(ctx, Entry{Level: LevelError, Component: "pipeline", Event: "b", Message: "m", ErrorCode: "rate_limited"})

	entries, err := s.List(ctx, Filters{ErrorCode: "rate_limited"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Event)
}

func TestGetTraceOrderedByInsertion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, Entry{Level: LevelInfo, Component: "pipeline", Event: "first", Message: "m", TraceID: "trace-1"})
	s.Write(ctx, Entry{Level: LevelInfo, Component: "runtime", Event: "second", Message: "m", TraceID: "trace-1"})
	s.Write(ctx, Entry{Level: LevelInfo, Component: "pipeline", Event: "other-trace", Message: "m", TraceID: "trace-2"})

	entries, err := s.GetTrace(ctx, "trace-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Event)
	assert.Equal(t, "second", entries[1].Event)
}

func TestAggregateStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Write(ctx, Entry{Level: LevelInfo, Component: "pipeline", Event: "a", Message: "m"})
	s.Write(ctx, Entry{Level: LevelInfo, Component: "pipeline", Event: "b", Message: "m"})
	s.Write(ctx, Entry{Level: LevelError, Component: "runtime", Event: "c", Message: "m"})

	stats, err := s.AggregateStats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByLevel["info"])
	assert.Equal(t, 1, stats.ByLevel["error"])
	assert.Equal(t, 2, stats.ByComponent["pipeline"])
}

func TestOpenRotatesIncompatibleSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	// A file with a conflicting `logs` table (wrong column set) forces the
	// first migration to fail and exercises the rotate-aside path.
	require.NoError(t, os.WriteFile(path, []byte{}, 0o600))
	seedDB, err := db.Open(context.Background(), path)
	require.NoError(t, err)
	_, err = seedDB.Exec(`CREATE TABLE logs (id INTEGER PRIMARY KEY, unexpected_column TEXT)`)
	require.NoError(t, err)
	require.NoError(t, seedDB.Close())

	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()

	matches, err := filepath.Glob(path + ".legacy.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
