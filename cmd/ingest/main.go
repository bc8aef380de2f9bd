package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/ericvolp12/tweet-ingest/pkg/bq"
	"github.com/ericvolp12/tweet-ingest/pkg/ingest"
	"github.com/ericvolp12/tweet-ingest/pkg/ingest/handlers"
	"github.com/ericvolp12/tweet-ingest/pkg/ledger"
	"github.com/ericvolp12/tweet-ingest/pkg/parq"
	"github.com/ericvolp12/tweet-ingest/pkg/search"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "tweet-ingest",
		Usage:   "search API to warehouse ingestion",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"INGEST_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "source-name",
			Usage:   "name runs are recorded under in the ledger",
			Value:   "twitter",
			EnvVars: []string{"INGEST_SOURCE_NAME"},
		},
		&cli.StringFlag{
			Name:    "search-host",
			Usage:   "host of the search API (with protocol)",
			Value:   "https://api.twitter.com",
			EnvVars: []string{"INGEST_SEARCH_HOST"},
		},
		&cli.StringFlag{
			Name:     "search-bearer-token",
			Usage:    "bearer token for the search API",
			EnvVars:  []string{"INGEST_SEARCH_BEARER_TOKEN"},
			Required: true,
		},
		&cli.Float64Flag{
			Name:    "search-rate-limit",
			Usage:   "client side rate limit for search requests in requests per second (0 disables)",
			Value:   1,
			EnvVars: []string{"INGEST_SEARCH_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "search-timeout",
			Usage:   "timeout for a single search request (0 uses no timeout)",
			Value:   0,
			EnvVars: []string{"INGEST_SEARCH_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "query",
			Usage:   "search query expression",
			Value:   ingest.DefaultQuery,
			EnvVars: []string{"INGEST_QUERY"},
		},
		&cli.StringFlag{
			Name:    "fields",
			Usage:   "result field selector requested from the search API",
			Value:   ingest.DefaultFields,
			EnvVars: []string{"INGEST_FIELDS"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "results requested per page",
			Value:   ingest.DefaultPageSize,
			EnvVars: []string{"INGEST_PAGE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "max-pages",
			Usage:   "maximum number of pages fetched per run",
			Value:   ingest.DefaultMaxPages,
			EnvVars: []string{"INGEST_MAX_PAGES"},
		},
		&cli.DurationFlag{
			Name:    "rate-limit-wait",
			Usage:   "pause after the first 429 on a page, doubled on each further 429",
			Value:   ingest.DefaultRateLimitWait,
			EnvVars: []string{"INGEST_RATE_LIMIT_WAIT"},
		},
		&cli.DurationFlag{
			Name:    "max-rate-limit-wait",
			Usage:   "upper bound for a single rate limit pause (0 for no bound)",
			Value:   ingest.DefaultMaxRateLimitWait,
			EnvVars: []string{"INGEST_MAX_RATE_LIMIT_WAIT"},
		},
		&cli.IntFlag{
			Name:    "max-rate-limit-retries",
			Usage:   "number of rate limited retries of one page before the run fails",
			Value:   ingest.DefaultMaxRateLimitRetries,
			EnvVars: []string{"INGEST_MAX_RATE_LIMIT_RETRIES"},
		},
		&cli.StringFlag{
			Name:    "sink",
			Usage:   "destination for rows: bigquery or parquet",
			Value:   "bigquery",
			EnvVars: []string{"INGEST_SINK"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for BigQuery",
			EnvVars: []string{"INGEST_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			Value:   "social_data",
			EnvVars: []string{"INGEST_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table",
			Usage:   "BigQuery table name",
			Value:   "twitter_data",
			EnvVars: []string{"INGEST_BIGQUERY_TABLE"},
		},
		&cli.BoolFlag{
			Name:    "bigquery-create-table",
			Usage:   "create the BigQuery table if it doesn't exist",
			Value:   false,
			EnvVars: []string{"INGEST_BIGQUERY_CREATE_TABLE"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory parquet files are written to",
			Value:   "./data/parquet",
			EnvVars: []string{"INGEST_PARQUET_DIR"},
		},
		&cli.StringFlag{
			Name:    "parquet-prefix",
			Usage:   "parquet file name prefix",
			Value:   "tweets",
			EnvVars: []string{"INGEST_PARQUET_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite run ledger",
			Value:   "./data/ingest.db",
			EnvVars: []string{"INGEST_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"INGEST_MIGRATE_DB"},
		},
		&cli.DurationFlag{
			Name:    "run-ttl",
			Usage:   "time to keep runs in the ledger (0 keeps them forever)",
			Value:   30 * 24 * time.Hour,
			EnvVars: []string{"INGEST_RUN_TTL"},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "serve the ingestion trigger over HTTP",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    "port",
					Usage:   "port to serve the http server on",
					Value:   8080,
					EnvVars: []string{"INGEST_PORT"},
				},
				&cli.DurationFlag{
					Name:    "interval",
					Usage:   "also trigger a run on this interval (0 disables)",
					Value:   0,
					EnvVars: []string{"INGEST_INTERVAL"},
				},
			},
			Action: Serve,
		},
		{
			Name:   "run",
			Usage:  "run the ingestion routine once and exit",
			Action: RunOnce,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

type deps struct {
	logger *slog.Logger
	api    *handlers.API
	close  func()
}

// setup builds the routine, its collaborators and the ledger from flags.
func setup(cctx *cli.Context) (*deps, error) {
	ctx := cctx.Context

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := tracing.InstallExportPipeline(ctx, "tweet-ingest", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return nil, err
		}
		closers = append(closers, func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		})
	}

	cfg := ingest.Config{
		Query:               cctx.String("query"),
		Fields:              cctx.String("fields"),
		PageSize:            cctx.Int("page-size"),
		MaxPages:            cctx.Int("max-pages"),
		RateLimitWait:       cctx.Duration("rate-limit-wait"),
		MaxRateLimitWait:    cctx.Duration("max-rate-limit-wait"),
		MaxRateLimitRetries: cctx.Int("max-rate-limit-retries"),
	}

	client, err := search.NewClient(
		cctx.String("search-host"),
		cctx.String("search-bearer-token"),
		logger,
		cctx.Float64("search-rate-limit"),
		cctx.Duration("search-timeout"),
	)
	if err != nil {
		logger.Error("failed to create search client", "error", err)
		closeAll()
		return nil, err
	}

	var sink ingest.Sink
	switch cctx.String("sink") {
	case "bigquery":
		if cctx.String("bigquery-project-id") == "" {
			closeAll()
			return nil, fmt.Errorf("bigquery-project-id is required for the bigquery sink")
		}
		logger.Info("starting bigquery client")
		bqInstance, err := bq.NewBQ(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table"),
			cctx.Bool("bigquery-create-table"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create bigquery client", "error", err)
			closeAll()
			return nil, err
		}
		closers = append(closers, func() {
			if err := bqInstance.Close(); err != nil {
				logger.Error("failed to close bigquery client", "error", err)
			}
		})
		sink = bqInstance
	case "parquet":
		p, err := parq.NewParq(logger, cctx.String("parquet-dir"), cctx.String("parquet-prefix"))
		if err != nil {
			logger.Error("failed to create parquet writer", "error", err)
			closeAll()
			return nil, err
		}
		sink = p
	default:
		closeAll()
		return nil, fmt.Errorf("unknown sink %q", cctx.String("sink"))
	}

	routine, err := ingest.NewRoutine(cfg, client, sink, logger)
	if err != nil {
		logger.Error("failed to create ingestion routine", "error", err)
		closeAll()
		return nil, err
	}

	// Make sure the ledger directory exists
	if err := os.MkdirAll(filepath.Dir(cctx.String("sqlite-path")), 0755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		closeAll()
		return nil, err
	}

	l, err := ledger.NewLedger(logger, cctx.String("sqlite-path"), cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to create ledger", "error", err)
		closeAll()
		return nil, err
	}
	closers = append(closers, func() {
		if err := l.Close(); err != nil {
			logger.Error("failed to close ledger", "error", err)
		}
	})

	return &deps{
		logger: logger,
		api:    handlers.NewAPI(logger, cctx.String("source-name"), routine, l, cctx.Duration("run-ttl")),
		close:  closeAll,
	}, nil
}

// RunOnce performs a single invocation and reports its outcome.
func RunOnce(cctx *cli.Context) error {
	d, err := setup(cctx)
	if err != nil {
		return err
	}
	defer d.close()

	res := d.api.Trigger(cctx.Context)
	fmt.Println(res.Message())

	if res.Outcome == ingest.OutcomeFailed {
		return cli.Exit("", 1)
	}
	return nil
}

// Serve runs the HTTP trigger and, optionally, a periodic trigger.
func Serve(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	d, err := setup(cctx)
	if err != nil {
		return err
	}
	defer d.close()

	logger := d.logger
	logger.Info("starting up")

	e := echo.New()
	e.HideBanner = true

	echoProm := echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "tweet_ingest",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.001, 2, 20)
			return opts
		},
	})
	e.Use(slogecho.New(logger))
	e.Use(echoProm)
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ingest", d.api.HandleIngest)
	e.POST("/ingest", d.api.HandleIngest)
	e.GET("/runs", d.api.HandleGetRuns)
	e.GET("/sources", d.api.HandleGetSources)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "tweet-ingest")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

	// Periodic trigger
	schedulerShutdown := make(chan struct{})
	go func() {
		defer close(schedulerShutdown)

		interval := cctx.Duration("interval")
		if interval <= 0 {
			return
		}

		logger := logger.With("source", "scheduler")
		logger.Info("triggering runs on interval", "interval", interval.String())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down scheduler")
				return
			case <-ticker.C:
				res := d.api.Trigger(ctx)
				logger.Info("scheduled run finished", "outcome", res.Outcome, "message", res.Message())
			}
		}
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")
	cancel()
	close(shutdownHTTPServer)

	<-httpServerShutdown
	<-schedulerShutdown
	logger.Info("shutdown complete")

	return nil
}
