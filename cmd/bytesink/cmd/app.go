package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lawrencejones/bytesink/internal/middleware"
	"github.com/lawrencejones/bytesink/internal/migration"
	"github.com/lawrencejones/bytesink/internal/telem"
	"github.com/lawrencejones/bytesink/pkg/sinks"
	sinkfile "github.com/lawrencejones/bytesink/pkg/sinks/file"
	sinkpostgres "github.com/lawrencejones/bytesink/pkg/sinks/postgres"
	"github.com/lawrencejones/bytesink/pkg/stream"

	"contrib.go.opencensus.io/exporter/jaeger"
	"github.com/alecthomas/kingpin"
	"github.com/davecgh/go-spew/spew"
	"github.com/getsentry/sentry-go"
	kitlog "github.com/go-kit/kit/log"
	level "github.com/go-kit/kit/log/level"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opencensus.io/trace"
)

var logger kitlog.Logger

var (
	app = kingpin.New("bytesink", "Write byte streams through composable layers into a sink").Version(versionStanza())

	// Global flags
	debug               = app.Flag("debug", "Enable debug logging").Default("false").Bool()
	metricsAddress      = app.Flag("metrics-address", "Address to bind HTTP metrics listener").Default("127.0.0.1").String()
	metricsPort         = app.Flag("metrics-port", "Port to bind HTTP metrics listener").Default("9525").Uint16()
	jaegerAgentEndpoint = app.Flag("jaeger-agent-endpoint", "Endpoint for Jaeger agent, tracing is disabled if empty").Default("localhost:6831").String()
	sentryDSN           = app.Flag("sentry-dsn", "Sentry DSN for error reporting").Envar("SENTRY_DSN").String()

	// Database connection parameters, only used by postgres sinks and migrations
	host     = app.Flag("host", "Postgres host").Envar("PGHOST").Default("127.0.0.1").String()
	port     = app.Flag("port", "Postgres port").Envar("PGPORT").Default("5432").Uint16()
	database = app.Flag("database", "Postgres database name").Envar("PGDATABASE").Default("postgres").String()
	user     = app.Flag("user", "Postgres user").Envar("PGUSER").Default("postgres").String()

	write           = app.Command("write", "Copy input through a pipeline of layers into a sink")
	writeInput      = write.Flag("input", "File to read from, or - for stdin").Default("-").String()
	writeChunkSize  = write.Flag("chunk-size", "Maximum bytes read from input per write").Default("32768").Int()
	writeLayers     = write.Flag("layer", "Layer to compose, outermost first, as kind[:json-options]").Strings()
	writeLayersFile = write.Flag("layers-file", "JSON array of layer specs, composed outside any --layer").String()
	writeInstrument = write.Flag("instrument", "Instrument the sink with metrics and traces").Default("true").Bool()
	writeMigrate    = write.Flag("migrate", "Migrate the database before writing to a postgres sink").Default("true").Bool()

	writeSinkType            = write.Flag("sink", "Type of sink target").Default("file").Enum(sinks.Kinds...)
	writeSinkFileOptions     = new(sinkfile.Options).Bind(write, "sink.file.")
	writeSinkPostgresOptions = new(sinkpostgres.Options).Bind(write, "sink.postgres.")

	layers = app.Command("layers", "List the layer kinds that can be composed")

	migrate        = app.Command("migrate", "Install, upgrade or inspect the Postgres schema")
	migrateSchema  = migrate.Flag("schema", "Postgres schema holding the bytesink tables").Default(migration.DefaultSchema).String()
	migrateCommand = migrate.Arg("command", "Goose command to run, such as up, down or status").Default("up").Enum(migration.Commands...)
	migrateArgs    = migrate.Arg("args", "Arguments to the goose command, such as a target version").Strings()
)

// SilentError should be returned when the command wants to skip all logging of the error
// it has encountered. It wraps no error content as we should never inspect it.
var SilentError = errors.New("silent error")

type UsageError struct {
	error
}

func Run() (err error) {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
	stdlog.SetOutput(kitlog.NewStdlibAdapter(logger))

	reportErrors := false
	if *sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSN, Release: Version}); err != nil {
			return UsageError{fmt.Errorf("invalid sentry configuration: %w", err)}
		}

		reportErrors = true
	}

	// Setup an error handler to log and print usage
	defer func() {
		var usageErr UsageError
		switch {
		// Do nothing if no error
		case err == nil:
			return
		// Suppress silent errors
		case errors.Is(err, SilentError):
			return
		// If we're a usage error, unwrap it and print out usage before returning
		case errors.As(err, &usageErr):
			context, _ := app.ParseContext(os.Args[1:])
			app.UsageForContext(context)
			fmt.Fprintf(os.Stderr, "error: %s\n", usageErr.Error())

			err = usageErr.error
			return
		// Otherwise we probably want to log our error
		default:
			logger.Log("event", "error", "error", err, "msg", "exiting with error")
			if reportErrors {
				sentry.CaptureException(err)
				sentry.Flush(5 * time.Second)
			}
		}
	}()

	// This is the root context for the application. Once terminated, everything we have
	// started should also finish.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx = telem.WithLogger(ctx, logger)

	// Stage our shutdown to first request termination, then cancel contexts if downstream
	// workers haven't responded.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	shutdown := make(chan struct{})

	go func() {
		<-sigc
		close(shutdown)
		select {
		case <-time.After(30 * time.Second):
		case <-sigc:
		}
		cancel()
	}()

	switch command {
	case layers.FullCommand():
		for _, kind := range stream.DefaultRegistry().Kinds() {
			fmt.Fprintln(os.Stdout, kind)
		}

		return nil

	case migrate.FullCommand():
		db, err := buildDB(*migrateSchema)
		if err != nil {
			return UsageError{err}
		}
		defer db.Close()

		if err := migration.Run(ctx, logger, db, *migrateSchema, *migrateCommand, *migrateArgs...); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		return nil

	case write.FullCommand():
		return runWrite(ctx, shutdown)
	}

	return UsageError{fmt.Errorf("unsupported command")}
}

func runWrite(ctx context.Context, shutdown chan struct{}) error {
	if *writeChunkSize <= 0 {
		return UsageError{fmt.Errorf("chunk-size must be positive, got %d", *writeChunkSize)}
	}

	specs, err := loadLayerSpecs(*writeLayersFile, *writeLayers)
	if err != nil {
		return UsageError{err}
	}

	if *debug {
		spew.Fdump(os.Stderr, specs)
	}

	input, err := openInput(*writeInput)
	if err != nil {
		return err
	}
	defer input.Close()

	desc := sinks.Descriptor{
		Kind:     *writeSinkType,
		File:     *writeSinkFileOptions,
		Postgres: *writeSinkPostgresOptions,
	}

	if desc.Kind == "postgres" {
		desc.DB, err = buildDB(desc.Postgres.Schema)
		if err != nil {
			return UsageError{err}
		}
		defer desc.DB.Close()

		if *writeMigrate {
			if err := migration.Migrate(ctx, logger, desc.DB, desc.Postgres.Schema); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	sink, err := sinks.Open(ctx, logger, desc)
	if err != nil {
		return err
	}

	pipeline, err := buildPipeline(ctx, sink, specs, *writeInstrument)
	if err != nil {
		return UsageError{err}
	}

	if *jaegerAgentEndpoint != "" {
		// Tracing with jaeger
		jexporter, err := jaeger.NewExporter(jaeger.Options{
			AgentEndpoint: *jaegerAgentEndpoint,
			Process: jaeger.Process{
				ServiceName: "bytesink",
			},
		})

		if err != nil {
			if closeErr := pipeline.Close(ctx); closeErr != nil {
				logger.Log("event", "pipeline_close_failed", "error", closeErr,
					"msg", "failed to close pipeline after tracing setup failed")
			}

			return UsageError{err}
		}

		defer jexporter.Flush()

		trace.RegisterExporter(jexporter)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}

	var g run.Group

	{
		logger := kitlog.With(logger, "component", "shutdown_handler")

		ctx, cancel := context.WithCancel(ctx)

		// If we're asked to shutdown, we use the rungroup to trigger interrupts for every
		// component
		g.Add(
			func() error {
				select {
				case <-shutdown:
					logger.Log("event", "requesting_shutdown", "msg", "received signal, requesting shutdown")
				case <-ctx.Done():
				}

				return nil
			},
			func(error) {
				cancel() // end the shutdown select
			},
		)
	}

	{
		logger := kitlog.With(logger, "component", "metrics")

		// Metrics and debug endpoints
		mux := http.NewServeMux()

		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", *metricsAddress, *metricsPort),
			Handler: middleware.ObserveHTTP(logger)(mux),
		}

		g.Add(
			func() error {
				logger.Log("event", "listen", "address", *metricsAddress, "port", *metricsPort)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}

				return nil
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			},
		)
	}

	{
		logger := kitlog.With(logger, "component", "writer", "pipeline_id", pipeline.ID().String())

		ctx, cancel := context.WithCancel(ctx)

		g.Add(
			func() error {
				written, copyErr := copyInput(ctx, pipeline, input, *writeChunkSize)

				// Always close, so the sink is released even when copying failed part way. The
				// write context may have been cancelled by now, and closing must still flush.
				closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer closeCancel()

				closeErr := pipeline.Close(closeCtx)

				logger.Log("event", "write_complete", "bytes", written, "layers", pipeline.Topology())
				for idx, digest := range pipeline.Digests() {
					logger.Log("event", "digest", "index", idx, "digest", digest.String())
				}

				if copyErr != nil {
					return copyErr
				}

				return closeErr
			},
			func(error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// buildPipeline composes the layers described by specs around sink. If they cannot be
// composed the sink is released here, as nothing else will own it.
func buildPipeline(ctx context.Context, sink stream.Component, specs []stream.LayerSpec, instrument bool) (*stream.Pipeline, error) {
	pipeline, err := stream.BuildFromSpecs(
		sink, stream.DefaultRegistry(), specs,
		stream.PipelineBuilder.WithLogger(logger),
		stream.PipelineBuilder.WithInstrumentation(instrument),
	)
	if err != nil {
		if closeErr := sink.Close(ctx); closeErr != nil {
			logger.Log("event", "sink_close_failed", "error", closeErr,
				"msg", "failed to release sink after invalid pipeline")
		}

		return nil, err
	}

	return pipeline, nil
}

// copyInput reads input in chunks of at most size bytes, writing each into the pipeline.
// It stops at the end of input, or between reads once ctx is done.
func copyInput(ctx context.Context, pipeline *stream.Pipeline, input io.Reader, size int) (int64, error) {
	var (
		written int64
		buf     = make([]byte, size)
	)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := input.Read(buf)
		if n > 0 {
			if err := pipeline.Write(ctx, buf[:n]); err != nil {
				return written, err
			}

			written += int64(n)
		}

		if err == io.EOF {
			return written, nil
		}

		if err != nil {
			return written, fmt.Errorf("failed to read input: %w", err)
		}
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}

	return file, nil
}

func buildDB(schema string) (*sql.DB, error) {
	// pgx makes it difficult to use the raw pgconn.Config struct without going via the
	// ParseConfig method. We compromise by rendering a connection string for our overrides
	// and relying on ParseConfig to identify additional Postgres parameters from libpq
	// compatible environment variables.
	cfg, err := pgx.ParseConfig(fmt.Sprintf("host=%s port=%d database=%s user=%s", *host, *port, *database, *user))
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	// Migrations create unqualified tables, which should land in our schema
	cfg.RuntimeParams["search_path"] = fmt.Sprintf("%s,public", pgx.Identifier{schema}.Sanitize())

	logger.Log("event", "database_config",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"user", cfg.User,
		"schema", schema,
	)

	return sinkpostgres.OpenDB(cfg)
}

// Set by goreleaser
var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = runtime.Version()
)

func versionStanza() string {
	return fmt.Sprintf(
		"bytesink Version: %v\nGit SHA: %v\nGo Version: %v\nGo OS/Arch: %v/%v\nBuilt at: %v",
		Version, Commit, GoVersion, runtime.GOOS, runtime.GOARCH, Date,
	)
}
