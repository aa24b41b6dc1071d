package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/tpaulabs/signalscope/api/store"
)

// PostgresDB represents a Postgres test container.
type PostgresDB struct {
	log       *slog.Logger
	url       string
	container *tcpg.PostgresContainer
}

// URL returns the connection string for the container.
func (db *PostgresDB) URL() string {
	return db.url
}

// Close terminates the Postgres container.
func (db *PostgresDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

// NewPostgresDB starts a Postgres testcontainer.
func NewPostgresDB(ctx context.Context, log *slog.Logger) (*PostgresDB, error) {
	container, err := tcpg.Run(ctx,
		"postgres:16-alpine",
		tcpg.WithDatabase("test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres connection string: %w", err)
	}

	return &PostgresDB{log: log, url: url, container: container}, nil
}

// SetupTestPostgres migrates the container schema and returns a pool bound
// to it. The pool closes with the test.
func SetupTestPostgres(t *testing.T, log *slog.Logger, db *PostgresDB) *pgxpool.Pool {
	ctx := t.Context()

	require.NoError(t, store.RunMigrations(ctx, log, db.url), "failed to migrate test database")

	pool, err := pgxpool.New(ctx, db.url)
	require.NoError(t, err, "failed to create pool")
	require.NoError(t, pool.Ping(ctx), "failed to ping test database")

	t.Cleanup(func() {
		pool.Close()
	})
	return pool
}
