package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrRuleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrSceneNotFound is returned when a scene ID does not exist.
	ErrSceneNotFound = errors.New("scene: not found")

	// ErrSceneExists is returned when creating a scene with an ID that already exists.
	ErrSceneExists = errors.New("scene: already exists")

	// ErrSceneDisabled is returned when attempting to activate a disabled scene.
	ErrSceneDisabled = errors.New("scene: disabled")

	// ErrInvalidScene is returned when scene validation fails.
	ErrInvalidScene = errors.New("scene: invalid")

	// ErrInvalidAction is returned when a scene step or rule action is invalid.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrInvalidName is returned when a scene or rule name is empty or too long.
	ErrInvalidName = errors.New("automation: invalid name")

	// ErrNoActions is returned when a scene or rule has no actions defined.
	ErrNoActions = errors.New("automation: no actions")

	// ErrExecutionNotFound is returned when an execution ID does not exist.
	ErrExecutionNotFound = errors.New("automation: execution not found")

	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule: not found")

	// ErrRuleExists is returned when creating a rule with an ID that already exists.
	ErrRuleExists = errors.New("rule: already exists")

	// ErrRuleDisabled is returned when manually triggering a disabled rule.
	ErrRuleDisabled = errors.New("rule: disabled")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("rule: invalid")

	// ErrInvalidTrigger is returned when a rule trigger is malformed.
	ErrInvalidTrigger = errors.New("rule: invalid trigger")

	// ErrInvalidCondition is returned when a condition is malformed.
	ErrInvalidCondition = errors.New("rule: invalid condition")

	// ErrConditionType is returned when a condition cannot compare the
	// reported value with its operand.
	ErrConditionType = errors.New("rule: condition type mismatch")

	// ErrEngineStopped is returned when triggering a rule after Stop.
	ErrEngineStopped = errors.New("rule: engine stopped")
)
