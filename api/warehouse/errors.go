package warehouse

import (
	"context"
	"errors"
	"net"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ErrorKind classifies warehouse failures so callers dispatch on structure
// instead of matching message text, which breaks across driver versions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConnectivity means the warehouse was unreachable. Retryable at
	// connect time, surfaced as service-unavailable otherwise.
	KindConnectivity
	// KindAuthExpired means the session's credentials lapsed mid-flight.
	// The session is invalidated and the failing query retried exactly once.
	KindAuthExpired
	// KindQuery is any other execution failure. Never retried.
	KindQuery
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindAuthExpired:
		return "auth_expired"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// ClickHouse server exception codes that indicate credential problems.
const (
	codeUnknownUser          = 192
	codeRequiredPassword     = 194
	codeAuthenticationFailed = 516
)

// Classify maps a query error to its kind using the driver's structured
// exception codes and standard net errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		switch ex.Code {
		case codeUnknownUser, codeRequiredPassword, codeAuthenticationFailed:
			return KindAuthExpired
		}
		return KindQuery
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindConnectivity
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnectivity
	}
	return KindQuery
}

// Error wraps a warehouse failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return "warehouse " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
