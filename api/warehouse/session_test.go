package warehouse_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpaulabs/signalscope/api/warehouse"
)

// fakeConn stubs the driver connection. Unstubbed methods panic via the nil
// embedded interface, which is fine: these tests only exercise Query, Exec,
// Ping and Close.
type fakeConn struct {
	driver.Conn
	queryFn func(ctx context.Context, q string, args ...any) (driver.Rows, error)
	execFn  func(ctx context.Context, q string, args ...any) error
	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Query(ctx context.Context, q string, args ...any) (driver.Rows, error) {
	if c.queryFn != nil {
		return c.queryFn(ctx, q, args...)
	}
	return nil, nil
}

func (c *fakeConn) Exec(ctx context.Context, q string, args ...any) error {
	if c.execFn != nil {
		return c.execFn(ctx, q, args...)
	}
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func authErr() error {
	return &clickhouse.Exception{Code: 516, Name: "AUTHENTICATION_FAILED"}
}

func TestQueryConnectsLazily(t *testing.T) {
	var dials atomic.Int32
	conn := &fakeConn{}
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		dials.Add(1)
		return conn, nil
	}, testLogger())

	assert.Equal(t, warehouse.Disconnected, sm.State())

	_, err := sm.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, warehouse.Connected, sm.State())
	assert.Equal(t, int32(1), dials.Load())

	// Established session is reused.
	_, err = sm.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())
}

func TestConnectRetriesBounded(t *testing.T) {
	var dials atomic.Int32
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}, testLogger(), warehouse.WithRetry(3, 0))

	_, err := sm.Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, warehouse.Disconnected, sm.State())

	var werr *warehouse.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, warehouse.KindConnectivity, werr.Kind)
}

func TestConnectRecoversWithinRetryBudget(t *testing.T) {
	var dials atomic.Int32
	conn := &fakeConn{}
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		if dials.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}, testLogger(), warehouse.WithRetry(3, 0))

	_, err := sm.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, warehouse.Connected, sm.State())
}

func TestAuthExpiryRetriesQueryOnce(t *testing.T) {
	var dials, queries atomic.Int32
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		dials.Add(1)
		return &fakeConn{
			queryFn: func(context.Context, string, ...any) (driver.Rows, error) {
				if queries.Add(1) == 1 {
					return nil, authErr()
				}
				return nil, nil
			},
		}, nil
	}, testLogger(), warehouse.WithRetry(1, 0))

	_, err := sm.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dials.Load(), "auth expiry should reconnect")
	assert.Equal(t, int32(2), queries.Load(), "failing query retried exactly once")
	assert.Equal(t, warehouse.Connected, sm.State())
}

func TestAuthExpiryRetryDoesNotLoop(t *testing.T) {
	var queries atomic.Int32
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		return &fakeConn{
			queryFn: func(context.Context, string, ...any) (driver.Rows, error) {
				queries.Add(1)
				return nil, authErr()
			},
		}, nil
	}, testLogger(), warehouse.WithRetry(1, 0))

	_, err := sm.Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, int32(2), queries.Load())

	var werr *warehouse.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, warehouse.KindAuthExpired, werr.Kind)
}

func TestQueryErrorNotRetried(t *testing.T) {
	var queries atomic.Int32
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		return &fakeConn{
			queryFn: func(context.Context, string, ...any) (driver.Rows, error) {
				queries.Add(1)
				return nil, &clickhouse.Exception{Code: 47, Name: "UNKNOWN_IDENTIFIER"}
			},
		}, nil
	}, testLogger())

	_, err := sm.Query(context.Background(), "SELECT bogus")
	require.Error(t, err)
	assert.Equal(t, int32(1), queries.Load())

	var werr *warehouse.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, warehouse.KindQuery, werr.Kind)
}

func TestInvalidateClosesAndExpires(t *testing.T) {
	conn := &fakeConn{}
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		return conn, nil
	}, testLogger())

	_, err := sm.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	sm.Invalidate()
	assert.Equal(t, warehouse.Expired, sm.State())
	assert.True(t, conn.closed.Load())
}

func TestConcurrentQueriesShareOneDial(t *testing.T) {
	var dials atomic.Int32
	conn := &fakeConn{}
	sm := warehouse.NewSessionManager(func(context.Context) (driver.Conn, error) {
		dials.Add(1)
		return conn, nil
	}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sm.Query(context.Background(), "SELECT 1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), dials.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want warehouse.ErrorKind
	}{
		{"authentication failed", &clickhouse.Exception{Code: 516}, warehouse.KindAuthExpired},
		{"required password", &clickhouse.Exception{Code: 194}, warehouse.KindAuthExpired},
		{"unknown user", &clickhouse.Exception{Code: 192}, warehouse.KindAuthExpired},
		{"unknown identifier", &clickhouse.Exception{Code: 47}, warehouse.KindQuery},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, warehouse.KindConnectivity},
		{"deadline", context.DeadlineExceeded, warehouse.KindConnectivity},
		{"plain error", errors.New("boom"), warehouse.KindQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, warehouse.Classify(tt.err))
		})
	}
}
