package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/tweet-ingest/pkg/search"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Fetcher retrieves one page of search results.
type Fetcher interface {
	FetchPage(ctx context.Context, pr search.PageRequest) (*search.Page, error)
}

// Sink performs the bulk insert of a run's rows. Per-row failures are
// reported as an *InsertError.
type Sink interface {
	Name() string
	Insert(ctx context.Context, rows []Row) error
}

type Routine struct {
	logger  *slog.Logger
	cfg     Config
	fetcher Fetcher
	sink    Sink

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var tracer = otel.Tracer("ingest")

func NewRoutine(cfg Config, fetcher Fetcher, sink Sink, logger *slog.Logger) (*Routine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || sink == nil {
		return nil, fmt.Errorf("%w: fetcher and sink are required", ErrInvalidConfig)
	}

	return &Routine{
		logger:  logger.With("module", "ingest"),
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Run performs one pull, normalize and load cycle. It never returns an error
// directly; every failure is described by the returned RunResult.
func (r *Routine) Run(ctx context.Context) (res RunResult) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	res = RunResult{Sink: r.sink.Name(), StartedAt: r.now()}

	defer func() {
		res.FinishedAt = r.now()

		runsFinished.WithLabelValues(string(res.Outcome), res.Kind()).Inc()
		runDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration().Seconds())

		span.SetAttributes(
			attribute.String("outcome", string(res.Outcome)),
			attribute.Int("pages", res.Pages),
			attribute.Int("rows", res.Rows),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}()

	// Every defaulted created_at in this run shares one instant.
	fetchedAt := res.StartedAt

	items, pages, err := r.fetchAll(ctx)
	res.Pages = pages
	res.Items = len(items)
	if err != nil {
		return r.fail(res, err)
	}

	rows, err := Project(items, fetchedAt)
	if err != nil {
		return r.fail(res, err)
	}

	if len(rows) == 0 {
		r.logger.Info("no items found, nothing to insert", "pages", pages)
		res.Outcome = OutcomeEmpty
		return res
	}

	if err := r.insert(ctx, rows); err != nil {
		return r.fail(res, err)
	}

	rowsInserted.WithLabelValues(r.sink.Name()).Add(float64(len(rows)))

	res.Outcome = OutcomeStored
	res.Rows = len(rows)

	r.logger.Info("run complete", "pages", pages, "rows", len(rows), "sink", r.sink.Name())

	return res
}

func (r *Routine) fail(res RunResult, err error) RunResult {
	r.logger.Error("run failed", "err", err, "kind", ErrorKind(err), "pages", res.Pages)
	res.Outcome = OutcomeFailed
	res.Err = err
	return res
}

func (r *Routine) insert(ctx context.Context, rows []Row) error {
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("sink", r.sink.Name()),
		attribute.Int("rows", len(rows)),
	)

	err := r.sink.Insert(ctx, rows)
	if err == nil {
		return nil
	}

	var insertErr *InsertError
	if errors.As(err, &insertErr) {
		if len(insertErr.RowErrors) > 0 {
			r.logger.Error("insert reported row errors", "row_errors", len(insertErr.RowErrors))
		}
		return err
	}
	return &InsertError{Sink: r.sink.Name(), Err: err}
}

// fetchAll pages through search results until MaxPages pages have been
// fetched or the endpoint stops returning a continuation token.
func (r *Routine) fetchAll(ctx context.Context) ([]search.Item, int, error) {
	var items []search.Item
	nextToken := ""
	pages := 0

	for pages < r.cfg.MaxPages {
		page, err := r.fetchPage(ctx, pages+1, nextToken)
		if err != nil {
			return items, pages, err
		}
		pages++

		items = append(items, page.Data...)
		nextToken = page.NextToken()

		pagesFetched.Inc()
		itemsFetched.Add(float64(len(page.Data)))

		r.logger.Info("fetched page",
			"page", pages,
			"items", len(page.Data),
			"total_items", len(items),
			"result_count", page.Meta.ResultCount,
			"has_next_token", nextToken != "",
		)

		if nextToken == "" {
			break
		}
	}

	return items, pages, nil
}

// fetchPage fetches page number n, retrying the same request while the
// endpoint is rate limiting us, up to MaxRateLimitRetries times.
func (r *Routine) fetchPage(ctx context.Context, n int, nextToken string) (*search.Page, error) {
	pr := search.PageRequest{
		Query:     r.cfg.Query,
		Fields:    r.cfg.Fields,
		PageSize:  r.cfg.PageSize,
		NextToken: nextToken,
	}

	for retries := 0; ; retries++ {
		page, err := r.fetcher.FetchPage(ctx, pr)
		if err == nil {
			return page, nil
		}

		if errors.Is(err, search.ErrRateLimited) {
			rateLimitHits.Inc()
			if retries >= r.cfg.MaxRateLimitRetries {
				return nil, fmt.Errorf("%w: page %d still rate limited after %d retries", ErrRateLimitExhausted, n, retries)
			}

			wait := r.cfg.backoff(retries + 1)
			r.logger.Warn("rate limited, waiting before retrying page", "page", n, "retry", retries+1, "wait", wait.String())
			if err := r.sleep(ctx, wait); err != nil {
				return nil, &TransportError{Page: n, Err: err}
			}
			continue
		}

		var statusErr *search.StatusError
		if errors.As(err, &statusErr) {
			return nil, &UpstreamError{Page: n, StatusCode: statusErr.StatusCode, Body: statusErr.Body}
		}

		return nil, &TransportError{Page: n, Err: err}
	}
}

// Project converts items to rows. Items without a created_at get fetchedAt.
func Project(items []search.Item, fetchedAt time.Time) ([]Row, error) {
	defaultCreatedAt := fetchedAt.UTC().Format(time.RFC3339Nano)

	rows := make([]Row, 0, len(items))
	for i, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("%w (item %d)", ErrMissingID, i)
		}

		createdAt := item.CreatedAt
		if createdAt == "" {
			createdAt = defaultCreatedAt
		}

		rows = append(rows, Row{
			ID:        item.ID,
			Text:      item.Text,
			CreatedAt: createdAt,
		})
	}

	return rows, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
