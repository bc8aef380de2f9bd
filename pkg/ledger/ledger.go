package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

const (
	StatusActive  = "active"
	StatusLimited = "limited"
	StatusError   = "error"
)

// Run is one recorded invocation of the ingestion routine.
type Run struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Source     string `gorm:"index:idx_runs_source_id,priority:1"`
	Sink       string
	Outcome    string `gorm:"index"`
	Kind       string
	Status     string
	Message    string
	Pages      int
	Items      int
	Rows       int
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
}

// SourceStatus is the health of a source as of its latest run.
type SourceStatus struct {
	Name         string
	Status       string
	LastSync     time.Time
	ErrorMessage string
}

type RunsQuery struct {
	Source  string
	Outcome string
	Since   *time.Time
	Limit   int
}

type Ledger struct {
	logger *slog.Logger
	db     *gorm.DB
}

func NewLedger(logger *slog.Logger, sqlitePath string, migrate bool) (*Ledger, error) {
	logger = logger.With("module", "ledger")

	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// Set pragmas for performance
	err = db.Exec("PRAGMA journal_mode=WAL;").Error
	if err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	err = db.Exec("PRAGMA synchronous=normal;").Error
	if err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if migrate {
		if err := db.AutoMigrate(&Run{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Ledger{
		logger: logger,
		db:     db,
	}, nil
}

// StatusFor maps a run outcome onto a source status.
func StatusFor(res ingest.RunResult) string {
	switch {
	case res.Outcome != ingest.OutcomeFailed:
		return StatusActive
	case res.Kind() == ingest.KindRateLimitExhausted:
		return StatusLimited
	default:
		return StatusError
	}
}

func (l *Ledger) Record(ctx context.Context, source string, res ingest.RunResult) (*Run, error) {
	run := &Run{
		Source:     source,
		Sink:       res.Sink,
		Outcome:    string(res.Outcome),
		Kind:       res.Kind(),
		Status:     StatusFor(res),
		Message:    res.Message(),
		Pages:      res.Pages,
		Items:      res.Items,
		Rows:       res.Rows,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}

	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	return run, nil
}

func (l *Ledger) ListRuns(ctx context.Context, query RunsQuery) ([]Run, error) {
	var runs []Run
	q := l.db.WithContext(ctx)
	if query.Source != "" {
		q = q.Where("source = ?", query.Source)
	}
	if query.Outcome != "" {
		q = q.Where("outcome = ?", query.Outcome)
	}
	if query.Since != nil {
		q = q.Where("started_at >= ?", *query.Since)
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	if err := q.Order("id DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

func (l *Ledger) SourceStatuses(ctx context.Context) ([]SourceStatus, error) {
	db := l.db.WithContext(ctx)

	var latest []Run
	err := db.Where("id IN (?)", db.Model(&Run{}).Select("MAX(id)").Group("source")).
		Order("source").
		Find(&latest).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get source statuses: %w", err)
	}

	statuses := make([]SourceStatus, len(latest))
	for i, r := range latest {
		statuses[i] = SourceStatus{
			Name:     r.Source,
			Status:   r.Status,
			LastSync: r.FinishedAt,
		}
		if r.Outcome == string(ingest.OutcomeFailed) {
			statuses[i].ErrorMessage = r.Message
		}
	}

	return statuses, nil
}

// Prune deletes runs that started before now-ttl and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	res := l.db.WithContext(ctx).Where("started_at < ?", time.Now().Add(-ttl)).Delete(&Run{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Info("pruned old runs", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	return sqlDB.Close()
}
