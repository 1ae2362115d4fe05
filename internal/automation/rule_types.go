package automation

import (
	"time"
)

// TriggerType is what starts a rule.
type TriggerType string

// Trigger types.
const (
	// TriggerDevice fires when a device reports the rule's source property.
	TriggerDevice TriggerType = "device"

	// TriggerManual fires only through RuleEngine.Trigger.
	TriggerManual TriggerType = "manual"

	// TriggerSchedule fires every interval or daily at a wall-clock time.
	TriggerSchedule TriggerType = "schedule"
)

// Trigger describes the event source of a rule.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Device triggers: the reporting device and the DP code to watch.
	DeviceID string `json:"device_id,omitempty"`
	Property string `json:"property,omitempty"`

	// Schedule triggers: a Go duration ("15m") or a daily "HH:MM".
	Every string `json:"every,omitempty"`
	At    string `json:"at,omitempty"`
}

// Operator is a condition comparison.
type Operator string

// Condition operators.
const (
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "ne"
	OpGreater        Operator = "gt"
	OpLess           Operator = "lt"
	OpGreaterOrEqual Operator = "ge"
	OpLessOrEqual    Operator = "le"
	OpBetween        Operator = "between"
)

// AllOperators returns every supported operator.
func AllOperators() []Operator {
	return []Operator{OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual, OpBetween}
}

// Condition compares the trigger's value with an operand. For OpBetween the
// operand is a two-element array [low, high], both inclusive.
type Condition struct {
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ActionType is what a rule action does.
type ActionType string

// Action types.
const (
	ActionDevice ActionType = "device"
	ActionScene  ActionType = "scene"
)

// RuleAction is one step of a rule's action chain.
type RuleAction struct {
	Type ActionType `json:"type"`

	// Device actions
	DeviceID string `json:"device_id,omitempty"`
	Action   string `json:"action,omitempty"`
	Value    any    `json:"value,omitempty"`

	// FromTrigger sends the triggering value instead of Value.
	FromTrigger bool `json:"from_trigger,omitempty"`

	// Scene actions
	SceneID string `json:"scene_id,omitempty"`

	// Delay before executing (milliseconds)
	DelayMS int `json:"delay_ms,omitempty"`
}

// Rule is an automation rule: a trigger, an optional condition and an
// ordered action chain with debounce and throttle coalescing.
type Rule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`

	Trigger   Trigger      `json:"trigger"`
	Condition *Condition   `json:"condition,omitempty"`
	Actions   []RuleAction `json:"actions"`

	// DebounceMS delays execution until no qualifying event arrived for this long.
	DebounceMS int `json:"debounce_ms"`

	// ThrottleMS is the minimum gap between the starts of two executions.
	ThrottleMS int `json:"throttle_ms"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Debounce returns the debounce window as a Duration.
func (r *Rule) Debounce() time.Duration {
	return time.Duration(r.DebounceMS) * time.Millisecond
}

// Throttle returns the throttle window as a Duration.
func (r *Rule) Throttle() time.Duration {
	return time.Duration(r.ThrottleMS) * time.Millisecond
}

// DeepCopy creates a complete independent copy of the Rule.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.Condition != nil {
		c := *r.Condition
		c.Value = deepCopyValue(r.Condition.Value)
		cpy.Condition = &c
	}
	if r.Actions != nil {
		cpy.Actions = make([]RuleAction, len(r.Actions))
		for i, a := range r.Actions {
			cpy.Actions[i] = a
			cpy.Actions[i].Value = deepCopyValue(a.Value)
		}
	}
	cpy.LastTriggeredAt = cloneTimePtr(r.LastTriggeredAt)
	return &cpy
}

// Outcome is the result of one rule execution.
type Outcome string

// Execution outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// ActionResult records what happened to one action of an execution.
type ActionResult struct {
	Index    int        `json:"index"`
	Type     ActionType `json:"type"`
	DeviceID string     `json:"device_id,omitempty"`
	SceneID  string     `json:"scene_id,omitempty"`
	Action   string     `json:"action,omitempty"`
	OK       bool       `json:"ok"`
	Skipped  bool       `json:"skipped,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// RuleExecution is the record of one post-debounce run of a rule.
type RuleExecution struct {
	ID               string         `json:"id"`
	RuleID           string         `json:"rule_id"`
	TenantID         string         `json:"tenant_id"`
	TriggerType      TriggerType    `json:"trigger_type"`
	TriggerValue     any            `json:"trigger_value,omitempty"`
	Status           Outcome        `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Results          []ActionResult `json:"results"`
	ActionsAttempted int            `json:"actions_attempted"`
	ActionsFailed    int            `json:"actions_failed"`
}

// FailedActions returns the results of the actions that failed.
func (e *RuleExecution) FailedActions() []ActionResult {
	var out []ActionResult
	for _, r := range e.Results {
		if !r.OK && !r.Skipped {
			out = append(out, r)
		}
	}
	return out
}

// RulePhase is where a rule is in its state machine.
type RulePhase string

// Rule phases.
const (
	PhaseIdle       RulePhase = "idle"
	PhaseDebouncing RulePhase = "debouncing"
	PhaseExecuting  RulePhase = "executing"
)

// RuleStatus is the runtime view of a rule for operators.
type RuleStatus struct {
	RuleID          string     `json:"rule_id"`
	Phase           RulePhase  `json:"phase"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastOutcome     Outcome    `json:"last_outcome,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`

	// Condition errors skip the event and are surfaced here; the rule stays enabled.
	ConditionErrors    int        `json:"condition_errors"`
	LastConditionError string     `json:"last_condition_error,omitempty"`
	LastConditionAt    *time.Time `json:"last_condition_error_at,omitempty"`

	ThrottledSkips int `json:"throttled_skips"`
}
