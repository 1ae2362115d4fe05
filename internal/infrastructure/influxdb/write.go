package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// Measurement names.
const (
	measurementDeviceState    = "device_state"
	measurementDeviceLiveness = "device_liveness"
)

// WriteDeviceState records one status report as a device_state point tagged
// by tenant and device. Numeric data points become float fields and booleans
// stay booleans; strings and enums are left to the local state history.
//
// The write is non-blocking; points are batched and sent asynchronously.
// A report with no numeric or boolean values writes nothing.
//
// Example:
//
//	client.WriteDeviceState("acme", "ac-1", map[string]any{"temperature": 26.5, "power": true}, at)
func (c *Client) WriteDeviceState(tenantID, deviceID string, state map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := stateFields(state)
	if len(fields) == 0 {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurementDeviceState, deviceTags(tenantID, deviceID), fields, at))
}

// WriteLiveness records a liveness transition as 1 (online) or 0 (offline).
func (c *Client) WriteLiveness(tenantID, deviceID string, online bool, at time.Time) {
	if !c.IsConnected() {
		return
	}

	value := 0
	if online {
		value = 1
	}
	c.writeAPI.WritePoint(write.NewPoint(measurementDeviceLiveness, deviceTags(tenantID, deviceID),
		map[string]any{"online": value}, at))
}

func deviceTags(tenantID, deviceID string) map[string]string {
	return map[string]string{
		"tenant_id": tenantID,
		"device_id": deviceID,
	}
}

// stateFields keeps the values a time-series can plot.
func stateFields(state map[string]any) map[string]any {
	fields := make(map[string]any, len(state))
	for code, v := range state {
		switch val := v.(type) {
		case bool:
			fields[code] = val
		default:
			if f, ok := capability.ToFloat(val); ok {
				fields[code] = f
			}
		}
	}
	return fields
}
