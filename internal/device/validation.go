package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

// Validation constants.
const (
	maxNameLength     = 100
	maxCategoryLength = 64
	maxChannelLength  = 256

	// Size limits for the state map to prevent DoS via memory exhaustion.
	maxStateKeys      = 100
	maxNestedKeys     = 50
	maxArrayLen       = 50
	maxStringValueLen = 1024
	maxNestingDepth   = 10
)

// Pre-computed validation set for O(1) lookups.
var validConnectionKinds map[ConnectionKind]struct{}

func init() {
	validConnectionKinds = make(map[ConnectionKind]struct{}, len(AllConnectionKinds()))
	for _, k := range AllConnectionKinds() {
		validConnectionKinds[k] = struct{}{}
	}
}

// ApplyDefaults fills the ID, connection kind and the conventional channels
// ({tenant}/{id}/command and {tenant}/{id}/status) when they are unset.
func ApplyDefaults(d *Device) {
	if d.ID == "" {
		d.ID = GenerateID()
	}
	d.Vendor = capability.ParseVendor(string(d.Vendor))
	if d.ConnectionKind == "" {
		d.ConnectionKind = ConnectionMQTT
	}
	if d.CommandChannel == "" {
		d.CommandChannel = mqtt.Topics{}.DeviceCommand(d.TenantID, d.ID)
	}
	if d.StatusChannel == "" {
		d.StatusChannel = mqtt.Topics{}.DeviceStatus(d.TenantID, d.ID)
	}
	if d.Liveness == "" {
		d.Liveness = LivenessOffline
	}
	if d.State == nil {
		d.State = State{}
	}
}

// ValidateDevice performs validation on a device.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if !mqtt.ValidSegment(d.ID) {
		return fmt.Errorf("%w: id %q cannot be used as a topic level", ErrInvalidDevice, d.ID)
	}
	if !mqtt.ValidSegment(d.TenantID) {
		return fmt.Errorf("%w: tenant id %q is invalid", ErrInvalidDevice, d.TenantID)
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if d.Vendor == "" || !mqtt.ValidSegment(string(d.Vendor)) {
		return fmt.Errorf("%w: %q", ErrInvalidVendor, d.Vendor)
	}
	if len(d.Category) > maxCategoryLength {
		return fmt.Errorf("%w: category exceeds %d characters", ErrInvalidDevice, maxCategoryLength)
	}
	if err := ValidateConnectionKind(d.ConnectionKind); err != nil {
		return err
	}
	if err := ValidateChannel(d.TenantID, d.CommandChannel); err != nil {
		return fmt.Errorf("command channel: %w", err)
	}
	if err := ValidateChannel(d.TenantID, d.StatusChannel); err != nil {
		return fmt.Errorf("status channel: %w", err)
	}
	if d.Liveness != LivenessOnline && d.Liveness != LivenessOffline {
		return fmt.Errorf("%w: liveness %q", ErrInvalidDevice, d.Liveness)
	}
	return ValidateState(d.State)
}

// ValidateName checks if a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateConnectionKind checks if a connection kind is recognised.
func ValidateConnectionKind(kind ConnectionKind) error {
	if _, ok := validConnectionKinds[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidConnectionKind, kind)
	}
	return nil
}

// ValidateChannel checks that a channel is a concrete topic inside the tenant's prefix.
func ValidateChannel(tenantID, channel string) error {
	if channel == "" || len(channel) > maxChannelLength {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if strings.ContainsAny(channel, "+#\x00") {
		return fmt.Errorf("%w: %q contains wildcards", ErrInvalidChannel, channel)
	}
	if !strings.HasPrefix(channel, tenantID+"/") {
		return fmt.Errorf("%w: %q is outside tenant %q", ErrInvalidChannel, channel, tenantID)
	}
	return nil
}

// ValidateState bounds the size of a state map.
func ValidateState(s State) error {
	if len(s) > maxStateKeys {
		return fmt.Errorf("%w: state exceeds max keys (%d)", ErrInvalidDevice, maxStateKeys)
	}
	return validateMapSize(s, "state", 0)
}

// validateMapSize recursively validates map values with depth tracking.
func validateMapSize(m map[string]any, fieldName string, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("%w: %s exceeds maximum nesting depth", ErrInvalidDevice, fieldName)
	}
	for k, v := range m {
		if len(k) > maxStringValueLen {
			return fmt.Errorf("%w: %s key too long", ErrInvalidDevice, fieldName)
		}
		if err := validateValueSize(v, fieldName, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValueSize(v any, fieldName string, depth int) error {
	switch val := v.(type) {
	case string:
		if len(val) > maxStringValueLen {
			return fmt.Errorf("%w: %s string value too long", ErrInvalidDevice, fieldName)
		}
	case map[string]any:
		if len(val) > maxNestedKeys {
			return fmt.Errorf("%w: %s nested map too large", ErrInvalidDevice, fieldName)
		}
		return validateMapSize(val, fieldName, depth+1)
	case []any:
		if len(val) > maxArrayLen {
			return fmt.Errorf("%w: %s array too large", ErrInvalidDevice, fieldName)
		}
		for _, elem := range val {
			if err := validateValueSize(elem, fieldName, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// GenerateID creates a new UUID for a device.
func GenerateID() string {
	return uuid.New().String()
}
