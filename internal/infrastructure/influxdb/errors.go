package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when telemetry export is switched off.
	ErrDisabled = errors.New("influxdb: telemetry export disabled")

	// ErrConnectionFailed wraps a failed ping during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps batch errors handed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
