package fleet

import (
	"errors"
	"strings"
)

var (
	ErrStaleData          = errors.New("stale data")
	ErrRouteNotFound      = errors.New("route not found")
	ErrInvalidCoordinates = errors.New("invalid GPS coordinates")
)

// ValidationError lists every rule a report broke.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid report: " + strings.Join(e.Errors, "; ")
}
