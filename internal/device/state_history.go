package device

import (
	"context"
	"time"
)

// State history source values.
const (
	StateHistorySourceMQTT    = "mqtt"
	StateHistorySourceCommand = "command"
	StateHistorySourceScene   = "scene"
)

// StateHistoryEntry represents a single device state change record.
//
// Each entry stores the DPs reported by one payload. This provides a local
// audit trail even when the time-series database is unavailable.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves device state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records the DPs a device reported at a point in time.
	RecordStateChange(ctx context.Context, deviceID string, state State, source string, at time.Time) error

	// GetHistory returns recent entries for the device, newest first.
	// Implementations may clamp limit.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries created before cutoff and returns how many went.
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)
}
