package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_pages_fetched_total",
	Help: "The number of search result pages fetched",
})

var itemsFetched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_items_fetched_total",
	Help: "The number of search items fetched",
})

var rateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_rate_limit_hits_total",
	Help: "The number of 429 responses from the search endpoint",
})

var runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_runs_total",
	Help: "The number of finished ingestion runs by outcome and error kind",
}, []string{"outcome", "kind"})

var rowsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_rows_inserted_total",
	Help: "The number of rows handed to a sink successfully",
}, []string{"sink"})

var runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ingest_run_duration_seconds",
	Help:    "The duration of ingestion runs",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
}, []string{"outcome"})
