package handlers_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/tpaulabs/signalscope/api/config"
	apitesting "github.com/tpaulabs/signalscope/api/testing"
)

var (
	testChDB *apitesting.ClickHouseDB
	testPgDB *apitesting.PostgresDB
	testLog  = slog.Default()
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	config.SetApp(config.AppConfig{
		MaxLegendEntities:            10,
		MaxBeforeAfterLegendEntities: 6,
		DefaultWindowStartHour:       6,
		DefaultWindowEndHour:         19,
		Timezone:                     "America/Los_Angeles",
	})

	var wg sync.WaitGroup
	var chErr, pgErr error

	// Start both containers in parallel.
	wg.Add(2)
	go func() {
		defer wg.Done()
		testChDB, chErr = apitesting.NewClickHouseDB(ctx, testLog, nil)
	}()
	go func() {
		defer wg.Done()
		testPgDB, pgErr = apitesting.NewPostgresDB(ctx, testLog)
	}()
	wg.Wait()

	if chErr != nil {
		slog.Error("failed to start ClickHouse container", "error", chErr)
		os.Exit(1)
	}
	if pgErr != nil {
		slog.Error("failed to start Postgres container", "error", pgErr)
		os.Exit(1)
	}

	code := m.Run()

	if testChDB != nil {
		testChDB.Close()
	}
	if testPgDB != nil {
		testPgDB.Close()
	}

	os.Exit(code)
}
