package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jonboulle/clockwork"
)

// State is the session lifecycle position.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Expired
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Expired:
		return "expired"
	default:
		return "disconnected"
	}
}

// Connector establishes a warehouse connection. Injected so tests can run
// the manager against a fake.
type Connector func(ctx context.Context) (driver.Conn, error)

const (
	defaultConnectAttempts = 3
	defaultConnectDelay    = 2 * time.Second
)

// SessionManager owns the process-wide warehouse session. Connect and
// reconnect transitions run under the mutex so only one caller dials at a
// time; concurrent callers block briefly and reuse the fresh session.
type SessionManager struct {
	mu    sync.Mutex
	state State
	conn  driver.Conn

	connect  Connector
	attempts int
	delay    time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithRetry overrides the bounded connect retry policy.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *SessionManager) {
		m.attempts = attempts
		m.delay = delay
	}
}

// WithClock injects the clock used for retry delays.
func WithClock(c clockwork.Clock) Option {
	return func(m *SessionManager) { m.clock = c }
}

// NewSessionManager builds a lazy session manager; no connection is dialed
// until the first query.
func NewSessionManager(connect Connector, log *slog.Logger, opts ...Option) *SessionManager {
	m := &SessionManager{
		state:    Disconnected,
		connect:  connect,
		attempts: defaultConnectAttempts,
		delay:    defaultConnectDelay,
		clock:    clockwork.NewRealClock(),
		log:      log,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *SessionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Invalidate discards the current session. The next query reconnects.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
}

func (m *SessionManager) expireLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.state == Connected || m.state == Connecting {
		m.state = Expired
	}
}

// Close shuts the session down for good.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	return err
}

// acquire returns a live connection, dialing with bounded retry if needed.
func (m *SessionManager) acquire(ctx context.Context) (driver.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Connected && m.conn != nil {
		return m.conn, nil
	}

	m.state = Connecting
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		conn, err := m.connect(ctx)
		if err == nil {
			m.conn = conn
			m.state = Connected
			return conn, nil
		}
		lastErr = err
		m.log.Warn("warehouse connect failed",
			"attempt", attempt, "max_attempts", m.attempts, "error", err)
		if attempt < m.attempts {
			select {
			case <-m.clock.After(m.delay):
			case <-ctx.Done():
				m.state = Disconnected
				return nil, &Error{Kind: KindConnectivity, Err: ctx.Err()}
			}
		}
	}
	m.state = Disconnected
	return nil, &Error{Kind: KindConnectivity, Err: fmt.Errorf("connect failed after %d attempts: %w", m.attempts, lastErr)}
}

// Query runs a query against the managed session. On an auth-expiry failure
// it invalidates the session and retries the query exactly once; any other
// failure propagates classified.
func (m *SessionManager) Query(ctx context.Context, q string, args ...any) (driver.Rows, error) {
	conn, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, q, args...)
	if err == nil {
		return rows, nil
	}
	kind := Classify(err)
	if kind != KindAuthExpired {
		return nil, &Error{Kind: kind, Err: err}
	}

	m.log.Warn("warehouse session expired, reconnecting", "error", err)
	m.Invalidate()
	conn, aerr := m.acquire(ctx)
	if aerr != nil {
		return nil, aerr
	}
	rows, err = conn.Query(ctx, q, args...)
	if err != nil {
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	return rows, nil
}

// Exec runs a statement with the same session and retry semantics as Query.
func (m *SessionManager) Exec(ctx context.Context, q string, args ...any) error {
	conn, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	err = conn.Exec(ctx, q, args...)
	if err == nil {
		return nil
	}
	kind := Classify(err)
	if kind != KindAuthExpired {
		return &Error{Kind: kind, Err: err}
	}

	m.log.Warn("warehouse session expired, reconnecting", "error", err)
	m.Invalidate()
	conn, aerr := m.acquire(ctx)
	if aerr != nil {
		return aerr
	}
	if err := conn.Exec(ctx, q, args...); err != nil {
		return &Error{Kind: Classify(err), Err: err}
	}
	return nil
}

// QueryColumn runs a query whose result is a single string column.
func (m *SessionManager) QueryColumn(ctx context.Context, q string) ([]string, error) {
	rows, err := m.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, &Error{Kind: KindQuery, Err: err}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: Classify(err), Err: err}
	}
	return out, nil
}

// Ping checks liveness, dialing if necessary. Used by readiness.
func (m *SessionManager) Ping(ctx context.Context) error {
	conn, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	if err := conn.Ping(ctx); err != nil {
		return &Error{Kind: Classify(err), Err: err}
	}
	return nil
}
