package bq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const sinkName = "BigQuery"

// inserter is the subset of *bigquery.Inserter used by BQ.
type inserter interface {
	Put(ctx context.Context, src interface{}) error
}

type BQ struct {
	logger    *slog.Logger
	rowSchema bigquery.Schema
	client    *bigquery.Client
	dataset   *bigquery.Dataset
	table     *bigquery.Table

	inserter inserter
}

var tracer = otel.Tracer("bq")

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	table string,
	createTable bool,
	logger *slog.Logger,
) (*BQ, error) {
	logger = logger.With("module", "bq")

	rowSchema, err := bigquery.InferSchema(ingest.Row{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		logger:    logger,
		rowSchema: rowSchema,
		client:    bqClient,
		dataset:   bqDataset,
		table:     bqDataset.Table(table),
	}

	if createTable {
		if err := bq.CreateTableIfNotExists(ctx); err != nil {
			return nil, err
		}
	}

	bq.inserter = bq.table.Inserter()

	return bq, nil
}

func (bq *BQ) Name() string {
	return sinkName
}

// Insert streams rows into the destination table in a single call.
// Per-row failures come back as an *ingest.InsertError; rows the table
// accepted stay inserted.
func (bq *BQ) Insert(ctx context.Context, rows []ingest.Row) error {
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()

	span.SetAttributes(attribute.Int("rows", len(rows)))

	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.Observe(float64(len(rows)))
	}()

	err := bq.inserter.Put(ctx, rows)
	if err == nil {
		rowsInserted.Add(float64(len(rows)))
		return nil
	}

	rowErrs := RowErrors(err, rows)
	rowsFailed.Add(float64(len(rowErrs)))
	bq.logger.Error("insert errors", "err", err, "row_errors", len(rowErrs))

	return &ingest.InsertError{Sink: sinkName, RowErrors: rowErrs, Err: err}
}

// RowErrors extracts per-row failures from an Inserter.Put error.
// It returns nil when err carries no per-row detail.
func RowErrors(err error, rows []ingest.Row) []ingest.RowError {
	var multi bigquery.PutMultiError
	if !errors.As(err, &multi) {
		return nil
	}

	rowErrs := make([]ingest.RowError, 0, len(multi))
	for _, rie := range multi {
		re := ingest.RowError{Index: rie.RowIndex}
		if rie.RowIndex >= 0 && rie.RowIndex < len(rows) {
			re.ID = rows[rie.RowIndex].ID
		}
		for _, e := range rie.Errors {
			re.Errors = append(re.Errors, e.Error())
		}
		rowErrs = append(rowErrs, re)
	}
	return rowErrs
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	_, err := bq.table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", bq.table.FullyQualifiedName())
		if err := bq.table.Create(ctx, &bigquery.TableMetadata{Schema: bq.rowSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

func (bq *BQ) Close() error {
	return bq.client.Close()
}
