package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRateLimitExhausted = errors.New("rate limit retries exhausted")
	ErrMissingID          = errors.New("item is missing an id")
	ErrInvalidConfig      = errors.New("invalid config")
)

const (
	KindTransport          = "transport"
	KindUpstream           = "upstream"
	KindRateLimitExhausted = "rate_limit_exhausted"
	KindInvalidItem        = "invalid_item"
	KindInsert             = "insert"
)

// TransportError wraps a failure to talk to the search endpoint at all.
type TransportError struct {
	Page int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("search request failed on page %d: %v", e.Page, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is a non-200, non-429 response from the search endpoint.
type UpstreamError struct {
	Page       int
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("search API error on page %d: status %d: %s", e.Page, e.StatusCode, e.Body)
}

// RowError holds the errors a destination reported for one row of a batch.
type RowError struct {
	Index  int
	ID     string
	Errors []string
}

func (e RowError) String() string {
	return fmt.Sprintf("row %d (id %q): %s", e.Index, e.ID, strings.Join(e.Errors, "; "))
}

// InsertError is returned by a Sink when the bulk insert did not fully succeed.
// Rows already accepted by the destination are not rolled back.
type InsertError struct {
	Sink      string
	RowErrors []RowError
	Err       error
}

func (e *InsertError) Error() string {
	if len(e.RowErrors) == 0 {
		return fmt.Sprintf("%s insert errors: %v", e.Sink, e.Err)
	}
	descs := make([]string, len(e.RowErrors))
	for i, re := range e.RowErrors {
		descs[i] = re.String()
	}
	return fmt.Sprintf("%s insert errors: [%s]", e.Sink, strings.Join(descs, ", "))
}

func (e *InsertError) Unwrap() error { return e.Err }

// ErrorKind maps an error produced by Run onto a short stable label.
func ErrorKind(err error) string {
	var upstreamErr *UpstreamError
	var insertErr *InsertError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimitExhausted):
		return KindRateLimitExhausted
	case errors.Is(err, ErrMissingID):
		return KindInvalidItem
	case errors.As(err, &upstreamErr):
		return KindUpstream
	case errors.As(err, &insertErr):
		return KindInsert
	default:
		return KindTransport
	}
}
