package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	l, err := NewLedger(logger, filepath.Join(t.TempDir(), "ledger.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func storedResult(rows int, startedAt time.Time) ingest.RunResult {
	return ingest.RunResult{
		Outcome:    ingest.OutcomeStored,
		Sink:       "BigQuery",
		Rows:       rows,
		Items:      rows,
		Pages:      1,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(time.Second),
	}
}

func TestRecordAndList(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	run, err := l.Record(ctx, "twitter", storedResult(3, now))
	require.NoError(t, err)
	assert.NotZero(t, run.ID)
	assert.Equal(t, StatusActive, run.Status)
	assert.Equal(t, "3 tweets stored in BigQuery.", run.Message)

	_, err = l.Record(ctx, "twitter", ingest.RunResult{
		Outcome:   ingest.OutcomeFailed,
		Sink:      "BigQuery",
		Err:       &ingest.UpstreamError{Page: 1, StatusCode: 503, Body: "down"},
		StartedAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	runs, err := l.ListRuns(ctx, RunsQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, string(ingest.OutcomeFailed), runs[0].Outcome)
	assert.Equal(t, ingest.KindUpstream, runs[0].Kind)
	assert.Equal(t, StatusError, runs[0].Status)
	assert.Equal(t, 3, runs[1].Rows)

	runs, err = l.ListRuns(ctx, RunsQuery{Outcome: string(ingest.OutcomeStored)})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	since := now.Add(30 * time.Second)
	runs, err = l.ListRuns(ctx, RunsQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(ingest.OutcomeFailed), runs[0].Outcome)

	runs, err = l.ListRuns(ctx, RunsQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSourceStatuses(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	_, err := l.Record(ctx, "reddit", storedResult(1, now))
	require.NoError(t, err)
	_, err = l.Record(ctx, "twitter", storedResult(2, now))
	require.NoError(t, err)
	_, err = l.Record(ctx, "twitter", ingest.RunResult{
		Outcome:    ingest.OutcomeFailed,
		Sink:       "BigQuery",
		Err:        fmt.Errorf("%w: page 1 still rate limited after 3 retries", ingest.ErrRateLimitExhausted),
		StartedAt:  now.Add(time.Minute),
		FinishedAt: now.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	statuses, err := l.SourceStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "reddit", statuses[0].Name)
	assert.Equal(t, StatusActive, statuses[0].Status)
	assert.Empty(t, statuses[0].ErrorMessage)

	assert.Equal(t, "twitter", statuses[1].Name)
	assert.Equal(t, StatusLimited, statuses[1].Status)
	assert.Contains(t, statuses[1].ErrorMessage, "rate limit retries exhausted")
}

func TestPrune(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Record(ctx, "twitter", storedResult(1, time.Now().Add(-48*time.Hour)))
	require.NoError(t, err)
	_, err = l.Record(ctx, "twitter", storedResult(2, time.Now()))
	require.NoError(t, err)

	n, err := l.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := l.ListRuns(ctx, RunsQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Rows)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusActive, StatusFor(ingest.RunResult{Outcome: ingest.OutcomeEmpty}))
	assert.Equal(t, StatusLimited, StatusFor(ingest.RunResult{Outcome: ingest.OutcomeFailed, Err: ingest.ErrRateLimitExhausted}))
	assert.Equal(t, StatusError, StatusFor(ingest.RunResult{Outcome: ingest.OutcomeFailed, Err: &ingest.InsertError{Sink: "BigQuery"}}))
}
