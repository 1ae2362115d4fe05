package adapter

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// Command actions understood by every adapter.
const (
	ActionPowerOn        = "power_on"
	ActionPowerOff       = "power_off"
	ActionSetTemperature = "set_temperature"
	ActionSetMode        = "set_mode"
	ActionSetFanSpeed    = "set_fan_speed"
	ActionSetSwing       = "set_swing"

	// ActionPassthrough writes raw {code: value} pairs. Codes the descriptor
	// knows are validated; anything else is sent verbatim.
	ActionPassthrough = "passthrough"
)

// Actions lists every supported action name.
func Actions() []string {
	return []string{
		ActionPowerOn, ActionPowerOff, ActionSetTemperature, ActionSetMode,
		ActionSetFanSpeed, ActionSetSwing, ActionPassthrough,
	}
}

// actionCodes maps value-setting actions to the data point they write.
var actionCodes = map[string]string{
	ActionSetTemperature: capability.CodeTargetTemperature,
	ActionSetMode:        capability.CodeMode,
	ActionSetFanSpeed:    capability.CodeFanSpeed,
	ActionSetSwing:       capability.CodeSwing,
}

// wireField is one key/value pair of an outbound command.
type wireField struct {
	code  string // canonical code, or the raw key for unknown passthrough
	wire  string
	value any // wire value
	raw   any // canonical value
}

// resolveAction turns an action into ordered wire fields using the descriptor.
func resolveAction(desc capability.Descriptor, action string, value any) ([]wireField, error) {
	switch action {
	case ActionPowerOn, ActionPowerOff:
		value = action == ActionPowerOn
		f, err := writeField(desc, action, capability.CodePower, value)
		if err != nil {
			return nil, err
		}
		return []wireField{f}, nil
	case ActionPassthrough:
		return passthroughFields(desc, value)
	}

	code, ok := actionCodes[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
	}
	if value == nil {
		return nil, fmt.Errorf("%w: %s requires a value", ErrInvalidValue, action)
	}
	f, err := writeField(desc, action, code, value)
	if err != nil {
		return nil, err
	}
	return []wireField{f}, nil
}

func writeField(desc capability.Descriptor, action, code string, value any) (wireField, error) {
	dp, ok := desc.Lookup(code)
	if !ok {
		return wireField{}, fmt.Errorf("%w: %s has no %q data point", ErrUnsupportedAction, action, code)
	}
	wire, err := dp.ToVendor(value)
	if err != nil {
		return wireField{}, mapValueError(err)
	}
	return wireField{code: dp.Code, wire: dp.WireCode(), value: wire, raw: value}, nil
}

func passthroughFields(desc capability.Descriptor, value any) ([]wireField, error) {
	pairs, ok := value.(map[string]any)
	if !ok || len(pairs) == 0 {
		return nil, fmt.Errorf("%w: passthrough expects a non-empty {code: value} object", ErrInvalidValue)
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]wireField, 0, len(keys))
	for _, key := range keys {
		dp, known := desc.Lookup(key)
		if !known {
			dp, known = desc.LookupWire(key)
		}
		if !known {
			fields = append(fields, wireField{code: key, wire: key, value: pairs[key], raw: pairs[key]})
			continue
		}
		wire, err := dp.ToVendor(pairs[key])
		if err != nil {
			return nil, mapValueError(err)
		}
		fields = append(fields, wireField{code: dp.Code, wire: dp.WireCode(), value: wire, raw: pairs[key]})
	}
	return fields, nil
}

// mapValueError folds capability errors into the adapter's two sentinels.
func mapValueError(err error) error {
	if errors.Is(err, capability.ErrNotWritable) {
		return fmt.Errorf("%w: %w", ErrUnsupportedAction, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidValue, err)
}

func canonicalValues(fields []wireField) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.code] = f.raw
	}
	return out
}

// canonicalize converts wire key/value pairs into canonical state. Known data
// points whose value cannot be read are skipped; unknown keys are kept verbatim.
func canonicalize(desc capability.Descriptor, fields map[string]any) State {
	state := make(State, len(fields))
	for key, raw := range fields {
		dp, ok := desc.LookupWire(key)
		if !ok {
			if raw != nil {
				state[key] = raw
			}
			continue
		}
		if !dp.Readable {
			continue
		}
		if v, ok := dp.ToCanonical(raw); ok {
			state[dp.Code] = v
		}
	}
	if len(state) == 0 {
		return nil
	}
	return state
}
