package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrBridgeRunning is returned when starting a bridge that is already running.
	ErrBridgeRunning = errors.New("bridge: already running")

	// ErrBridgeNotRunning is returned when stopping a bridge that is not running.
	ErrBridgeNotRunning = errors.New("bridge: not running")

	// ErrUnknownVendor is returned for a vendor no adapter exists for.
	ErrUnknownVendor = errors.New("bridge: unknown vendor")

	// ErrInvalidTenant is returned when the tenant ID is empty.
	ErrInvalidTenant = errors.New("bridge: tenant is required")
)
