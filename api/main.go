package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/sqlpilot/agent/pkg/format"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/engine"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/prompts"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/stream"
	"github.com/malbeclabs/sqlpilot/api/config"
	"github.com/malbeclabs/sqlpilot/api/handlers"
	"github.com/malbeclabs/sqlpilot/api/history"
	"github.com/malbeclabs/sqlpilot/api/metrics"
	"github.com/malbeclabs/sqlpilot/api/querier"
	"github.com/malbeclabs/sqlpilot/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set to true when shutdown signal is received.
	// Readiness probe checks this to immediately return 503.
	shuttingDown atomic.Bool
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// target is the database questions are answered against.
type target struct {
	querier workflow.Querier
	dialect string
	ping    func(ctx context.Context) error
	schema  workflow.SchemaSource // Set when the target can describe itself
	close   func() error
}

func run() error {
	// Load .env files if they exist
	// godotenv doesn't override existing env vars, so later files don't overwrite earlier ones
	_ = godotenv.Load()           // .env in current working directory
	_ = godotenv.Load("api/.env") // api/.env when running from repo root

	cfg, err := config.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewDefault(cfg.Verbose)
	log.Info("sqlpilot-api starting", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	// Initialize Sentry for error tracking (optional - gracefully no-op if DSN not set)
	if cfg.SentryDSN != "" {
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		// TracesSampleRate: 1.0 for development, 0.1 (10%) otherwise
		tracesSampleRate := 0.1
		if cfg.SentryEnvironment == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "env", cfg.SentryEnvironment, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// History database
	pool, err := history.Connect(ctx, cfg.HistoryDatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := history.RunMigrations(ctx, log, pool); err != nil {
		return fmt.Errorf("failed to migrate history database: %w", err)
	}
	store := history.NewPostgresRepository(log, pool)

	tgt, err := openTarget(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tgt.close() }()

	schemaSource, err := newSchemaSource(ctx, cfg, tgt)
	if err != nil {
		return err
	}

	p, err := prompts.Load(tgt.dialect)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	generator := workflow.NewAnthropicGenerator(workflow.AnthropicConfig{
		APIKey:  cfg.AnthropicAPIKey,
		Model:   cfg.AnthropicModel,
		Metrics: metrics.Recorder{},
	})

	formatter, err := format.New(format.Config{
		Logger:         log,
		Generator:      generator,
		Prompts:        p,
		MaxDisplayRows: cfg.MaxDisplayRows,
		EnableInsights: cfg.EnableInsights,
		LLMThreshold:   cfg.LLMFormatThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create formatter: %w", err)
	}

	eng, err := engine.New(&workflow.Config{
		Logger:                  log,
		Generator:               generator,
		History:                 store,
		Schema:                  workflow.NewCachedSchemaProvider(schemaSource),
		Querier:                 tgt.querier,
		Formatter:               formatter,
		Prompts:                 p,
		MaxRetries:              cfg.MaxRetries,
		QueryTimeout:            cfg.QueryTimeout,
		MaxRows:                 cfg.MaxRows,
		MaxConversationMessages: cfg.MaxConversationMessages,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}

	streamer, err := stream.NewStreamer(stream.Config{
		Logger:  log,
		Runner:  eng,
		Metrics: metrics.Recorder{},
	})
	if err != nil {
		return fmt.Errorf("failed to create streamer: %w", err)
	}

	h, err := handlers.New(handlers.Config{
		Logger:        log,
		Conversations: eng,
		Streamer:      streamer,
		Store:         store,
	})
	if err != nil {
		return fmt.Errorf("failed to create handlers: %w", err)
	}

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
		} else {
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	// Sentry middleware for error and performance monitoring (before Recoverer to capture panics)
	if cfg.SentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true, // Re-panic after capturing so Recoverer can handle it
		})
		r.Use(sentryHandler.Handle)
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// Immediately fail if shutting down
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			log.Warn("readiness: history database unavailable", "error", handlers.SanitizeError(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("history database unavailable"))
			return
		}
		if err := tgt.ping(ctx); err != nil {
			log.Warn("readiness: target database unavailable", "error", handlers.SanitizeError(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("target database unavailable"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	h.Mount(r)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // Disabled for SSE streaming endpoints
		IdleTimeout:       60 * time.Second,
	}

	// Request contexts derive from ctx so that cancelling it closes SSE
	// streams during shutdown.
	server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server listening", "address", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-shutdown:
		log.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Immediately mark as shutting down so readiness probe returns 503
	shuttingDown.Store(true)

	// Cancel in-flight workflows and streams
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown error", "error", err)
	} else {
		log.Info("server stopped gracefully")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown error", "error", err)
		}
	}

	return nil
}

func openTarget(ctx context.Context, log *slog.Logger, cfg *config.Config) (*target, error) {
	switch cfg.TargetDriver {
	case config.TargetClickHouse:
		log.Info("connecting to ClickHouse", "addr", cfg.ClickHouse.Addr, "database", cfg.ClickHouse.Database, "secure", cfg.ClickHouse.Secure)
		conn, err := config.OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		return &target{
			querier: querier.NewClickHouse(conn),
			dialect: "ClickHouse",
			ping:    conn.Ping,
			schema:  workflow.NewClickHouseSchemaSource(conn, cfg.ClickHouse.Database),
			close:   conn.Close,
		}, nil

	default:
		log.Info("opening SQLite target", "path", cfg.SQLitePath)
		db, err := querier.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &target{
			querier: querier.NewSQLite(db),
			dialect: prompts.DefaultDialect,
			ping:    db.PingContext,
			close:   db.Close,
		}, nil
	}
}

func newSchemaSource(ctx context.Context, cfg *config.Config, tgt *target) (workflow.SchemaSource, error) {
	switch cfg.SchemaSource {
	case config.SchemaSourceS3:
		src, err := workflow.NewS3SchemaSource(ctx, workflow.S3SchemaSourceConfig{
			Bucket:      cfg.SchemaS3.Bucket,
			Key:         cfg.SchemaS3.Key,
			Region:      cfg.SchemaS3.Region,
			EndpointURL: cfg.SchemaS3.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 schema source: %w", err)
		}
		return src, nil
	case config.SchemaSourceClickHouse:
		if tgt.schema == nil {
			return nil, errors.New("target does not support schema introspection")
		}
		return tgt.schema, nil
	default:
		return &workflow.FileSchemaSource{Path: cfg.SchemaPath}, nil
	}
}
