package parq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"github.com/parquet-go/parquet-go"
)

const sinkName = "Parquet"

// Parq writes each run's rows to its own parquet file under fileDir.
type Parq struct {
	logger  *slog.Logger
	fileDir string
	prefix  string

	now func() time.Time
}

func NewParq(logger *slog.Logger, fileDir, prefix string) (*Parq, error) {
	p := Parq{
		logger:  logger.With("module", "parq"),
		fileDir: fileDir,
		prefix:  prefix,
		now:     time.Now,
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

func (p *Parq) Name() string {
	return sinkName
}

func (p *Parq) Insert(ctx context.Context, rows []ingest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := p.WriteFile(rows); err != nil {
		return &ingest.InsertError{Sink: sinkName, Err: err}
	}
	return nil
}

// WriteFile writes the given rows to a new parquet file and returns its path
func (p *Parq) WriteFile(rows []ingest.Row) (string, error) {
	// Write files to a parquet file with the current timestamp as the file suffix
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s.parquet", p.prefix, p.now().UTC().Format("2006_01_02-15_04_05.000")))

	filterBits := uint(10)

	p.logger.Info("writing parquet file", "file_path", fName, "num_rows", len(rows))

	err := parquet.WriteFile(fName, rows, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "id"),
	))
	if err != nil {
		return "", fmt.Errorf("failed to write parquet file: %w", err)
	}

	p.logger.Info("wrote parquet file", "file_path", fName)

	return fName, nil
}
