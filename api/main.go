package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
	flag "github.com/spf13/pflag"

	"github.com/tpaulabs/signalscope/api/config"
	"github.com/tpaulabs/signalscope/api/handlers"
	"github.com/tpaulabs/signalscope/api/logger"
	"github.com/tpaulabs/signalscope/api/metrics"
	"github.com/tpaulabs/signalscope/api/reports"
	"github.com/tpaulabs/signalscope/api/store"
	"github.com/tpaulabs/signalscope/api/warehouse"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when a shutdown signal is received. The readiness
	// probe checks it to immediately return 503.
	shuttingDown atomic.Bool
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "enable warehouse migrations on startup")
	createDatabaseFlag := flag.Bool("create-database", false, "create the ClickHouse database before startup (for dev use)")
	flag.Parse()

	// Load .env files if they exist. godotenv does not override existing env
	// vars, so process env and explicit exports take precedence.
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	log := logger.New(*verboseFlag)
	log.Info("signalscope-api starting", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	// Sentry is optional; without a DSN the middleware is not installed.
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *createDatabaseFlag {
		adminCfg := config.CHConfig{
			Addr:     envOr("CLICKHOUSE_ADDR_TCP", "localhost:9000"),
			Database: "default",
			Username: envOr("CLICKHOUSE_USERNAME", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
		}
		admin := warehouse.NewSessionManager(config.Connector(adminCfg), log)
		if err := warehouse.CreateDatabase(ctx, log, admin, envOr("CLICKHOUSE_DATABASE", "default")); err != nil {
			_ = admin.Close()
			return fmt.Errorf("failed to create database: %w", err)
		}
		_ = admin.Close()
	}

	if err := config.Load(log); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer func() { _ = config.Close() }()

	if *migrationsEnableFlag {
		cfg := config.CH()
		err := warehouse.RunMigrations(ctx, log, warehouse.MigrationConfig{
			Addr:     cfg.Addr,
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
			Secure:   cfg.Secure,
		})
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if err := config.LoadPostgres(ctx, log); err != nil {
		return fmt.Errorf("failed to load Postgres: %w", err)
	}

	handlers.Geometry = warehouse.NewGeometryCache(warehouse.FetchSegmentGeometry(config.Session))

	// Subscriptions and scheduled reports come up only when Postgres is
	// configured; the handlers answer 501 otherwise.
	if config.PG != nil {
		if err := store.RunMigrations(ctx, log, os.Getenv("POSTGRES_URL")); err != nil {
			return fmt.Errorf("failed to run subscription migrations: %w", err)
		}
		handlers.Subscriptions = store.NewSubscriptionStore(config.PG)

		app := config.App()
		if app.SlackToken != "" {
			loc, err := time.LoadLocation(app.Timezone)
			if err != nil {
				return fmt.Errorf("invalid timezone %q: %w", app.Timezone, err)
			}
			scheduler := reports.NewScheduler(
				handlers.Subscriptions,
				config.Session,
				slack.New(app.SlackToken),
				clockwork.NewRealClock(),
				app.ReportHour,
				loc,
				log,
			)
			go scheduler.Run(ctx)
			log.Info("report scheduler started", "hour", app.ReportHour, "timezone", app.Timezone)
		} else {
			log.Info("SLACK_TOKEN not set, report scheduler disabled")
		}
	}

	// Start metrics server on a side listener.
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
		} else {
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)

	// Sentry middleware goes before Recoverer so panics are captured, then
	// re-panicked for Recoverer to handle.
	if sentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
		r.Use(sentryHandler.Handle)

		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					if rctx := chi.RouteContext(r.Context()); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							txn.Name = r.Method + " " + pattern
						} else {
							txn.Name = r.Method + " " + r.URL.Path
						}
					}
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// Health check endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := config.Session.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("warehouse connection failed: " + err.Error()))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Lightweight endpoints
	r.Get("/api/config", handlers.GetConfig)
	r.Get("/api/version", handlers.GetVersion)

	// Dimension and geometry endpoints
	r.Get("/api/signals", handlers.GetSignals)
	r.Get("/api/segment-geometry", handlers.GetSegmentGeometry)
	r.Post("/api/segment-geometry/invalidate", handlers.InvalidateSegmentGeometry)

	// Travel time analytics endpoints
	r.Get("/api/travel-time-summary", handlers.GetTravelTimeSummary)
	r.Get("/api/travel-time-aggregated", handlers.GetTravelTimeAggregated)
	r.Get("/api/travel-time-by-time-of-day", handlers.GetTravelTimeByTimeOfDay)
	r.Get("/api/anomaly-summary", handlers.GetAnomalySummary)

	// Before/after comparison endpoints
	r.Get("/api/before-after-summary", handlers.GetBeforeAfterSummary)
	r.Get("/api/before-after-summary-xd", handlers.GetBeforeAfterSummaryXD)
	r.Get("/api/before-after-aggregated", handlers.GetBeforeAfterAggregated)
	r.Get("/api/before-after-by-time-of-day", handlers.GetBeforeAfterByTimeOfDay)

	// Changepoint detection endpoints
	r.Get("/api/changepoints-map-signals", handlers.GetChangepointsBySignal)
	r.Get("/api/changepoints-map-xd", handlers.GetChangepointsBySegment)
	r.Get("/api/changepoints-table", handlers.GetChangepointsTable)
	r.Get("/api/changepoints-detail", handlers.GetChangepointDetail)

	// Report subscription routes
	r.Get("/api/subscriptions", handlers.ListSubscriptions)
	r.Post("/api/subscriptions", handlers.CreateSubscription)
	r.Delete("/api/subscriptions/{id}", handlers.DeleteSubscription)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case sig := <-shutdown:
		log.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Mark as shutting down so the readiness probe returns 503 while existing
	// requests drain.
	shuttingDown.Store(true)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

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

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
