package adapter

import "errors"

// Domain errors for the adapter package.
var (
	// ErrUnsupportedAction is returned when an action maps to no writable data
	// point and cannot be passed through.
	ErrUnsupportedAction = errors.New("adapter: unsupported action")

	// ErrInvalidValue is returned when a command value violates its data point.
	ErrInvalidValue = errors.New("adapter: invalid value")
)
