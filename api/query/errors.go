package query

import "fmt"

// ValidationError reports a request parameter that could not be parsed or is
// out of range. The HTTP layer maps it to a 400 rather than widening the
// filter to match everything.
type ValidationError struct {
	Param string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Param, e.Value)
}
