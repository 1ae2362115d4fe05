package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/homelink-core/internal/adapter"
)

// Validation constants.
const (
	maxNameLength     = 100
	maxActions        = 100
	maxDelayMS        = 300000 // 5 minutes
	maxDebounceMS     = 3600000
	maxThrottleMS     = 86400000
	maxDescriptionLen = 500
	minScheduleEvery  = time.Second
)

// Pre-computed validation set for O(1) action lookups.
var validActions map[string]struct{}

func init() {
	validActions = make(map[string]struct{}, len(adapter.Actions()))
	for _, a := range adapter.Actions() {
		validActions[a] = struct{}{}
	}
}

// ValidateScene performs comprehensive validation on a scene.
// Returns an error describing the first validation failure found.
func ValidateScene(s *Scene) error {
	if s == nil {
		return ErrInvalidScene
	}
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidScene)
	}
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.Description != nil && len(*s.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidScene, maxDescriptionLen)
	}

	if len(s.Actions) == 0 {
		return ErrNoActions
	}
	if len(s.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidAction, maxActions)
	}
	for i, action := range s.Actions {
		if err := ValidateSceneAction(action); err != nil {
			return fmt.Errorf("action[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateName checks if a scene or rule name is valid.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateSceneAction checks if a scene step is valid.
func ValidateSceneAction(action SceneAction) error {
	if action.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidAction)
	}
	if err := validateActionName(action.Action); err != nil {
		return err
	}
	return validateDelay(action.DelayMS)
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRule)
	}
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if err := ValidateTrigger(r.Trigger); err != nil {
		return err
	}
	if err := ValidateCondition(r.Condition); err != nil {
		return err
	}
	if r.DebounceMS < 0 || r.DebounceMS > maxDebounceMS {
		return fmt.Errorf("%w: debounce_ms must be 0-%d", ErrInvalidRule, maxDebounceMS)
	}
	if r.ThrottleMS < 0 || r.ThrottleMS > maxThrottleMS {
		return fmt.Errorf("%w: throttle_ms must be 0-%d", ErrInvalidRule, maxThrottleMS)
	}

	if len(r.Actions) == 0 {
		return ErrNoActions
	}
	if len(r.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidAction, maxActions)
	}
	for i, a := range r.Actions {
		if err := ValidateRuleAction(a); err != nil {
			return fmt.Errorf("action[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateTrigger checks a trigger's fields for its type.
func ValidateTrigger(t Trigger) error {
	switch t.Type {
	case TriggerDevice:
		if t.DeviceID == "" || t.Property == "" {
			return fmt.Errorf("%w: device trigger needs device_id and property", ErrInvalidTrigger)
		}
	case TriggerManual:
	case TriggerSchedule:
		if (t.Every == "") == (t.At == "") {
			return fmt.Errorf("%w: schedule trigger needs exactly one of every or at", ErrInvalidTrigger)
		}
		if t.Every != "" {
			d, err := time.ParseDuration(t.Every)
			if err != nil {
				return fmt.Errorf("%w: every: %w", ErrInvalidTrigger, err)
			}
			if d < minScheduleEvery {
				return fmt.Errorf("%w: every must be at least %s", ErrInvalidTrigger, minScheduleEvery)
			}
		}
		if t.At != "" {
			if _, _, err := parseClock(t.At); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}
	return nil
}

// ValidateRuleAction checks one action of a rule.
func ValidateRuleAction(a RuleAction) error {
	switch a.Type {
	case ActionDevice:
		if a.DeviceID == "" {
			return fmt.Errorf("%w: device_id is required", ErrInvalidAction)
		}
		if err := validateActionName(a.Action); err != nil {
			return err
		}
	case ActionScene:
		if a.SceneID == "" {
			return fmt.Errorf("%w: scene_id is required", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return validateDelay(a.DelayMS)
}

func validateActionName(action string) error {
	if action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidAction)
	}
	if _, ok := validActions[action]; !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action)
	}
	return nil
}

func validateDelay(ms int) error {
	if ms < 0 || ms > maxDelayMS {
		return fmt.Errorf("%w: delay_ms must be 0-%d", ErrInvalidAction, maxDelayMS)
	}
	return nil
}

// parseClock reads a daily "HH:MM".
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: at must be HH:MM: %w", ErrInvalidTrigger, err)
	}
	return t.Hour(), t.Minute(), nil
}

// nextRun returns the next schedule occurrence strictly after now.
func nextRun(t Trigger, now time.Time, loc *time.Location) (time.Time, error) {
	if t.Every != "" {
		d, err := time.ParseDuration(t.Every)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: every: %w", ErrInvalidTrigger, err)
		}
		return now.Add(d), nil
	}
	hour, minute, err := parseClock(t.At)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next, nil
}

// GenerateID creates a new UUID for a rule, scene or execution.
func GenerateID() string {
	return uuid.New().String()
}
