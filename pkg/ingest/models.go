package ingest

import (
	"fmt"
	"net/http"
	"time"
)

// Row is the warehouse projection of a search.Item.
type Row struct {
	ID        string `json:"id" bigquery:"id" parquet:"id"`
	Text      string `json:"text" bigquery:"text" parquet:"text"`
	CreatedAt string `json:"created_at" bigquery:"created_at" parquet:"created_at"`
}

type Outcome string

const (
	OutcomeStored Outcome = "stored"
	OutcomeEmpty  Outcome = "empty"
	OutcomeFailed Outcome = "failed"
)

// RunResult describes how a single invocation ended. Err is set only
// when Outcome is OutcomeFailed.
type RunResult struct {
	Outcome Outcome
	Sink    string
	Rows    int
	Pages   int
	Items   int
	Err     error

	StartedAt  time.Time
	FinishedAt time.Time
}

func (r RunResult) Message() string {
	switch r.Outcome {
	case OutcomeStored:
		return fmt.Sprintf("%d tweets stored in %s.", r.Rows, r.Sink)
	case OutcomeEmpty:
		return fmt.Sprintf("No tweets found for the query. Nothing inserted to %s.", r.Sink)
	default:
		if r.Err == nil {
			return "ingestion failed"
		}
		return r.Err.Error()
	}
}

func (r RunResult) StatusCode() int {
	if r.Outcome == OutcomeFailed {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// Kind classifies a failed run, empty for successful ones.
func (r RunResult) Kind() string {
	if r.Outcome != OutcomeFailed {
		return ""
	}
	return ErrorKind(r.Err)
}

func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
