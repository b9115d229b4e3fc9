package routing

import (
	"errors"
	"fmt"
)

// ErrNoRoute is returned by Match when no route yields an eligible connector.
var ErrNoRoute = errors.New("routing: no route")

// ConfigurationError reports a table or filter that cannot be loaded.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing: configuration error: %s: %v", e.Reason, e.Err)
	}
	return "routing: configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(err error, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}
