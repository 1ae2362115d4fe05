package mqtt

import (
	"fmt"
	"strings"
)

// Topics provides builders for Homelink MQTT topics. Every topic is rooted
// at the tenant ID so one broker can serve several tenants with ACLs per prefix.
//
//	topics := mqtt.Topics{}
//	status := topics.DeviceStatus("acme", "ac-1")
//	// Returns: "acme/ac-1/status"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceCommand returns the topic Core publishes device commands on.
//
// Example: acme/ac-1/command
func (Topics) DeviceCommand(tenantID, deviceID string) string {
	return fmt.Sprintf("%s/%s/command", tenantID, deviceID)
}

// DeviceStatus returns the topic a device reports its state on.
//
// Example: acme/ac-1/status
func (Topics) DeviceStatus(tenantID, deviceID string) string {
	return fmt.Sprintf("%s/%s/status", tenantID, deviceID)
}

// DeviceAnnounce returns the topic a device declares its capabilities on.
//
// Example: acme/ac-1/announce
func (Topics) DeviceAnnounce(tenantID, deviceID string) string {
	return fmt.Sprintf("%s/%s/announce", tenantID, deviceID)
}

// =============================================================================
// Bridge and System Topics
// =============================================================================

// BridgeHealth returns the topic for a vendor bridge's health reports.
//
// Example: acme/bridge/tuya/health
func (Topics) BridgeHealth(tenantID, vendor string) string {
	return fmt.Sprintf("%s/bridge/%s/health", tenantID, vendor)
}

// CoreStatus returns the retained Core online/offline topic, also used as the LWT.
//
// Example: acme/system/core/status
func (Topics) CoreStatus(tenantID string) string {
	return fmt.Sprintf("%s/system/core/status", tenantID)
}

// =============================================================================
// Wildcard Patterns
// =============================================================================

// AllDeviceStatus matches every device status topic of a tenant.
//
// Pattern: acme/+/status
func (Topics) AllDeviceStatus(tenantID string) string {
	return fmt.Sprintf("%s/+/status", tenantID)
}

// AllTenant matches all traffic of a tenant. Use with caution.
//
// Pattern: acme/#
func (Topics) AllTenant(tenantID string) string {
	return tenantID + "/#"
}

// ValidSegment reports whether s can be used as one topic level
// (tenant ID, device ID, vendor).
func ValidSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#\x00")
}

// validateTopic checks a concrete publish topic. Wildcards are not allowed.
func validateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// validateFilter checks a subscription filter: "+" must fill a whole level
// and "#" may only be the last level.
func validateFilter(filter string) error {
	if filter == "" || strings.ContainsRune(filter, '\x00') {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// MatchTopic reports whether a concrete topic matches a subscription filter.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
