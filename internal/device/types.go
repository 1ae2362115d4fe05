package device

import (
	"reflect"
	"sort"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// Device is a vendor device owned by one tenant.
// This matches the devices table in migrations/20260301_120000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	// Classification drives capability resolution.
	Vendor   capability.Vendor `json:"vendor"`
	Category string            `json:"category"`
	Model    *string           `json:"model,omitempty"`

	// Transport
	ConnectionKind ConnectionKind `json:"connection_kind"`
	CommandChannel string         `json:"command_channel"`
	StatusChannel  string         `json:"status_channel"`

	// Current canonical state
	State          State      `json:"state"`
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`

	// Liveness
	Liveness Liveness   `json:"liveness"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// All map fields are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.State = deepCopyMap(d.State)
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// State holds canonical data point values keyed by DP code. Keys the
// descriptor does not know are vendor passthrough fields.
//
// Examples:
//   - AC: {"power": true, "mode": "cool", "target_temperature": 22.5, "temperature": 27}
//   - Sensor: {"temperature": 21.4, "humidity": 48}
type State map[string]any

// Merge returns a new state with patch applied over s. Existing keys survive
// unless the patch overwrites them. changed lists the patch keys whose value
// differs from before, sorted.
func (s State) Merge(patch State) (merged State, changed []string) {
	merged = State(deepCopyMap(s))
	if merged == nil {
		merged = State{}
	}
	for k, v := range patch {
		old, existed := merged[k]
		if !existed || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
		merged[k] = deepCopyValue(v)
	}
	sort.Strings(changed)
	return merged, changed
}

// Keys returns the state's keys, sorted.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Liveness is whether a device has reported within the liveness window.
type Liveness string

// Liveness values.
const (
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
)

// ConnectionKind is how a device reaches the broker.
type ConnectionKind string

// Connection kinds.
const (
	// ConnectionMQTT devices talk to the broker directly.
	ConnectionMQTT ConnectionKind = "mqtt"

	// ConnectionCloud devices are relayed by a vendor cloud bridge.
	ConnectionCloud ConnectionKind = "cloud"

	// ConnectionLAN devices are relayed by a local-network bridge.
	ConnectionLAN ConnectionKind = "lan"
)

// AllConnectionKinds returns all valid connection kinds.
func AllConnectionKinds() []ConnectionKind {
	return []ConnectionKind{ConnectionMQTT, ConnectionCloud, ConnectionLAN}
}

// ChangeEvent is emitted after a status payload was parsed and persisted.
type ChangeEvent struct {
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id"`

	OldState State `json:"old_state"`
	NewState State `json:"new_state"`

	// Reported lists the DP codes present in the payload.
	Reported []string `json:"reported"`

	// Changed lists the reported DP codes whose value differs from before.
	Changed []string `json:"changed"`

	Timestamp time.Time `json:"timestamp"`
}

// LivenessEvent is emitted when a device goes online or offline.
type LivenessEvent struct {
	DeviceID  string    `json:"device_id"`
	TenantID  string    `json:"tenant_id"`
	Liveness  Liveness  `json:"liveness"`
	LastSeen  time.Time `json:"last_seen"`
	Timestamp time.Time `json:"timestamp"`
}

// Tenant returns the tenant the event belongs to.
func (e ChangeEvent) Tenant() string { return e.TenantID }

// Tenant returns the tenant the event belongs to.
func (e LivenessEvent) Tenant() string { return e.TenantID }
