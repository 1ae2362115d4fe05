package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when a session has never connected or has been closed.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrReconnecting is returned for publishes during a reconnect when queueing is disabled.
	ErrReconnecting = errors.New("mqtt: session reconnecting")

	// ErrQueueFull is returned when the reconnect publish queue is at capacity.
	ErrQueueFull = errors.New("mqtt: publish queue full")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrNotSubscribed is returned when unsubscribing a channel with no references.
	ErrNotSubscribed = errors.New("mqtt: channel not subscribed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when a topic is empty or malformed.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidTenant is returned when a tenant ID cannot be used as a topic segment.
	ErrInvalidTenant = errors.New("mqtt: invalid tenant")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrClosed is returned by a Manager after Close.
	ErrClosed = errors.New("mqtt: manager closed")
)
