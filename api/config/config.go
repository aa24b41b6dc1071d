package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tpaulabs/signalscope/api/warehouse"
)

// Session is the process-wide warehouse session manager.
var Session *warehouse.SessionManager

// PG is the global Postgres pool for report subscriptions.
var PG *pgxpool.Pool

// CHConfig holds the ClickHouse connection settings.
type CHConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// AppConfig holds the dashboard constants surfaced to the frontend and used
// by the query layer.
type AppConfig struct {
	MaxLegendEntities            int
	MaxBeforeAfterLegendEntities int
	DefaultWindowStartHour       int
	DefaultWindowEndHour         int
	Timezone                     string
	SlackToken                   string
	SlackChannel                 string
	ReportHour                   int
}

var (
	ch  CHConfig
	app AppConfig
)

// CH returns the parsed ClickHouse settings.
func CH() CHConfig { return ch }

// App returns the parsed application constants.
func App() AppConfig { return app }

// Database returns the configured database name.
func Database() string { return ch.Database }

// SetDatabase sets the configured database name (for testing).
func SetDatabase(db string) { ch.Database = db }

// SetSession replaces the global session manager (for testing).
func SetSession(sm *warehouse.SessionManager) { Session = sm }

// SetApp replaces the application constants (for testing).
func SetApp(a AppConfig) { app = a }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Load parses environment variables and initializes the warehouse session
// manager. The session dials lazily; Load pings once to fail fast on
// misconfiguration.
func Load(log *slog.Logger) error {
	ch = CHConfig{
		Addr:     envOr("CLICKHOUSE_ADDR_TCP", "localhost:9000"),
		Database: envOr("CLICKHOUSE_DATABASE", "default"),
		Username: envOr("CLICKHOUSE_USERNAME", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
	}

	app = AppConfig{
		MaxLegendEntities:            envIntOr("MAX_LEGEND_ENTITIES", 10),
		MaxBeforeAfterLegendEntities: envIntOr("MAX_BEFORE_AFTER_LEGEND_ENTITIES", 6),
		DefaultWindowStartHour:       envIntOr("DEFAULT_WINDOW_START_HOUR", 6),
		DefaultWindowEndHour:         envIntOr("DEFAULT_WINDOW_END_HOUR", 19),
		Timezone:                     envOr("DASHBOARD_TIMEZONE", "America/Los_Angeles"),
		SlackToken:                   os.Getenv("SLACK_TOKEN"),
		SlackChannel:                 os.Getenv("SLACK_CHANNEL"),
		ReportHour:                   envIntOr("REPORT_HOUR", 7),
	}

	log.Info("connecting to ClickHouse",
		"addr", ch.Addr, "database", ch.Database, "username", ch.Username, "secure", ch.Secure)

	Session = warehouse.NewSessionManager(Connector(ch), log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := Session.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info("connected to ClickHouse successfully")
	return nil
}

// Connector builds the dial function for the session manager from settings.
func Connector(cfg CHConfig) warehouse.Connector {
	return func(ctx context.Context) (driver.Conn, error) {
		opts := &clickhouse.Options{
			Addr: []string{cfg.Addr},
			Auth: clickhouse.Auth{
				Database: cfg.Database,
				Username: cfg.Username,
				Password: cfg.Password,
			},
			DialTimeout:     5 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		}
		if cfg.Secure {
			opts.TLS = &tls.Config{}
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse connection: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// LoadPostgres initializes the global Postgres pool when a URL is set.
func LoadPostgres(ctx context.Context, log *slog.Logger) error {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		log.Info("POSTGRES_URL not set, subscriptions disabled")
		return nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	PG = pool
	log.Info("connected to Postgres successfully")
	return nil
}

// Close releases the global connections.
func Close() error {
	if PG != nil {
		PG.Close()
	}
	if Session != nil {
		return Session.Close()
	}
	return nil
}
