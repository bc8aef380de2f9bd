package parq

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInsertWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	p, err := NewParq(testLogger(), dir, "tweets")
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2025, 7, 20, 10, 0, 0, 0, time.UTC) }

	rows := []ingest.Row{
		{ID: "1", Text: "flood", CreatedAt: "2025-07-20T09:00:00Z"},
		{ID: "2", Text: "rain", CreatedAt: "2025-07-20T09:30:00Z"},
	}

	require.NoError(t, p.Insert(context.Background(), rows))

	fName := filepath.Join(dir, "tweets_2025_07_20-10_00_00.000.parquet")
	read, err := parquet.ReadFile[ingest.Row](fName)
	require.NoError(t, err)
	assert.Equal(t, rows, read)
}

func TestInsertEmptyWritesNothing(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParq(testLogger(), dir, "tweets")
	require.NoError(t, err)

	require.NoError(t, p.Insert(context.Background(), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInsertFailure(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParq(testLogger(), dir, "tweets")
	require.NoError(t, err)

	// Writing into a directory that no longer exists must surface as an insert error.
	p.fileDir = filepath.Join(dir, "missing")

	err = p.Insert(context.Background(), []ingest.Row{{ID: "1"}})
	require.Error(t, err)

	var insertErr *ingest.InsertError
	require.True(t, errors.As(err, &insertErr))
	assert.Equal(t, "Parquet", insertErr.Sink)
}
