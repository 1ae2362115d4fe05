package automation

import "time"

// Scene is a named, ordered sequence of device actions executable as a unit.
//
// Steps run strictly in order. A step's delay is waited before it runs. A
// failed step is recorded and the remaining steps still run.
type Scene struct {
	// Identity
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	// Description (optional)
	Description *string `json:"description,omitempty"`

	Enabled bool `json:"enabled"`

	// Steps to execute (ordered)
	Actions []SceneAction `json:"actions"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SceneAction is one step of a scene: a canonical action sent to a device.
type SceneAction struct {
	// Target device
	DeviceID string `json:"device_id"`

	// Canonical action name (power_on, set_mode, passthrough, ...)
	Action string `json:"action"`

	// Action value, if the action takes one
	Value any `json:"value,omitempty"`

	// Delay before executing (milliseconds, default 0)
	DelayMS int `json:"delay_ms"`
}

// SceneExecution tracks a single activation of a scene.
type SceneExecution struct {
	ID            string          `json:"id"`
	SceneID       string          `json:"scene_id"`
	TriggeredAt   time.Time       `json:"triggered_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	TriggerType   string          `json:"trigger_type"`             // manual, automation
	TriggerSource *string         `json:"trigger_source,omitempty"` // api, rule:<id>
	Status        ExecutionStatus `json:"status"`

	// Action counts
	ActionsTotal     int `json:"actions_total"`
	ActionsCompleted int `json:"actions_completed"`
	ActionsFailed    int `json:"actions_failed"`
	ActionsSkipped   int `json:"actions_skipped"`

	// Failure details (populated when actions fail)
	Failures []ActionFailure `json:"failures,omitempty"`

	// Total execution duration in milliseconds
	DurationMS int `json:"duration_ms"`
}

// ActionFailure records details of a failed action within an execution.
type ActionFailure struct {
	ActionIndex int    `json:"action_index"`
	DeviceID    string `json:"device_id"`
	Action      string `json:"action"`
	ErrorCode   string `json:"error_code"`
	ErrorMsg    string `json:"error_message"`
}

// ExecutionStatus represents the state of a scene execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusPartial   ExecutionStatus = "partial"   // Some actions failed, scene continued
	StatusFailed    ExecutionStatus = "failed"    // Every action failed
	StatusCancelled ExecutionStatus = "cancelled" // Context cancelled mid-execution
)

// Scene trigger types.
const (
	SceneTriggerManual     = "manual"
	SceneTriggerAutomation = "automation"
)

// DeepCopy creates a complete independent copy of the Scene.
// Step values are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (s *Scene) DeepCopy() *Scene {
	if s == nil {
		return nil
	}

	cpy := *s
	cpy.Description = cloneStringPtr(s.Description)

	if s.Actions != nil {
		cpy.Actions = make([]SceneAction, len(s.Actions))
		for i, action := range s.Actions {
			cpy.Actions[i] = action
			cpy.Actions[i].Value = deepCopyValue(action.Value)
		}
	}

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
	if v == nil {
		return nil
	}
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
		return v // Primitives are immutable
	}
}

// cloneStringPtr creates an independent copy of a *string.
func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
