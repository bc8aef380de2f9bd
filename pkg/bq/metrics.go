package bq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rowsInserted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bq_rows_inserted",
	Help: "The number of rows accepted by BQ",
})

var rowsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bq_rows_failed",
	Help: "The number of rows BQ reported insert errors for",
})

var batchSubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "bq_batch_submission_duration",
	Help:    "The duration of time it takes to submit a batch of rows to BQ",
	Buckets: prometheus.DefBuckets,
})

var batchSizeHist = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "bq_batch_size",
	Help:    "The size of a batch of rows submitted to BQ",
	Buckets: prometheus.ExponentialBuckets(1, 2, 20),
})
