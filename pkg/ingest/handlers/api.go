package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"github.com/ericvolp12/tweet-ingest/pkg/ledger"
	"github.com/labstack/echo/v4"
)

// API exposes the ingestion routine over HTTP. Runs are serialized: a
// trigger that arrives while a run is in progress waits for it to finish.
type API struct {
	logger  *slog.Logger
	source  string
	routine *ingest.Routine
	ledger  *ledger.Ledger
	ttl     time.Duration

	runLk sync.Mutex
}

func NewAPI(logger *slog.Logger, source string, routine *ingest.Routine, l *ledger.Ledger, ttl time.Duration) *API {
	return &API{
		logger:  logger.With("module", "api"),
		source:  source,
		routine: routine,
		ledger:  l,
		ttl:     ttl,
	}
}

// Trigger runs the routine once and records the outcome in the ledger.
func (a *API) Trigger(ctx context.Context) ingest.RunResult {
	a.runLk.Lock()
	defer a.runLk.Unlock()

	res := a.routine.Run(ctx)

	// Recording must not be skipped because the caller went away.
	recordCtx := context.WithoutCancel(ctx)
	if _, err := a.ledger.Record(recordCtx, a.source, res); err != nil {
		a.logger.Error("failed to record run", "err", err)
	}
	if a.ttl > 0 {
		if _, err := a.ledger.Prune(recordCtx, a.ttl); err != nil {
			a.logger.Error("failed to prune runs", "err", err)
		}
	}

	return res
}

// HandleIngest handles GET and POST /ingest
func (a *API) HandleIngest(c echo.Context) error {
	res := a.Trigger(c.Request().Context())
	return c.String(res.StatusCode(), res.Message())
}

type JSONRun struct {
	ID         uint      `json:"id"`
	Source     string    `json:"source"`
	Sink       string    `json:"sink"`
	Outcome    string    `json:"outcome"`
	Kind       string    `json:"kind,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Pages      int       `json:"pages"`
	Items      int       `json:"items"`
	Rows       int       `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type RunsResponse struct {
	Runs  []JSONRun `json:"runs"`
	Error string    `json:"error,omitempty"`
}

func dbRunToJSONRun(r ledger.Run) JSONRun {
	return JSONRun{
		ID:         r.ID,
		Source:     r.Source,
		Sink:       r.Sink,
		Outcome:    r.Outcome,
		Kind:       r.Kind,
		Status:     r.Status,
		Message:    r.Message,
		Pages:      r.Pages,
		Items:      r.Items,
		Rows:       r.Rows,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// HandleGetRuns handles the GET /runs endpoint
func (a *API) HandleGetRuns(c echo.Context) error {
	// Parse the query parameters
	// outcome - stored, empty or failed (optional)
	// since - only runs started at or after this time, any common format (optional)
	// limit - Number of runs to return (default=100)
	outcomeParam := c.QueryParam("outcome")
	sinceParam := c.QueryParam("since")
	limitParam := c.QueryParam("limit")

	resp := RunsResponse{}

	query := ledger.RunsQuery{Source: a.source}

	if outcomeParam != "" {
		switch ingest.Outcome(outcomeParam) {
		case ingest.OutcomeStored, ingest.OutcomeEmpty, ingest.OutcomeFailed:
			query.Outcome = outcomeParam
		default:
			resp.Error = fmt.Sprintf("invalid outcome: %q", outcomeParam)
			return c.JSON(http.StatusBadRequest, resp)
		}
	}

	if sinceParam != "" {
		since, err := dateparse.ParseAny(sinceParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid since: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		query.Since = &since
	}

	if limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid limit: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		query.Limit = limit
	} else {
		query.Limit = 100
	}

	if query.Limit < 1 {
		query.Limit = 100
	}

	if query.Limit > 1000 {
		query.Limit = 1000
	}

	runs, err := a.ledger.ListRuns(c.Request().Context(), query)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Runs = make([]JSONRun, len(runs))
	for i, r := range runs {
		resp.Runs[i] = dbRunToJSONRun(r)
	}
	return c.JSON(http.StatusOK, resp)
}

type JSONSource struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastSync     time.Time `json:"last_sync"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type SourcesResponse struct {
	Sources []JSONSource `json:"sources"`
	Error   string       `json:"error,omitempty"`
}

// HandleGetSources handles the GET /sources endpoint
func (a *API) HandleGetSources(c echo.Context) error {
	resp := SourcesResponse{}

	statuses, err := a.ledger.SourceStatuses(c.Request().Context())
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Sources = make([]JSONSource, len(statuses))
	for i, s := range statuses {
		resp.Sources[i] = JSONSource{
			Name:         s.Name,
			Status:       s.Status,
			LastSync:     s.LastSync,
			ErrorMessage: s.ErrorMessage,
		}
	}
	return c.JSON(http.StatusOK, resp)
}
