package mqtt

import (
	"errors"
	"testing"
)

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceCommand", topics.DeviceCommand("acme", "ac-1"), "acme/ac-1/command"},
		{"DeviceStatus", topics.DeviceStatus("acme", "ac-1"), "acme/ac-1/status"},
		{"DeviceAnnounce", topics.DeviceAnnounce("acme", "ac-1"), "acme/ac-1/announce"},
		{"BridgeHealth", topics.BridgeHealth("acme", "tuya"), "acme/bridge/tuya/health"},
		{"CoreStatus", topics.CoreStatus("acme"), "acme/system/core/status"},
		{"AllDeviceStatus", topics.AllDeviceStatus("acme"), "acme/+/status"},
		{"AllTenant", topics.AllTenant("acme"), "acme/#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"acme/ac-1/status", "acme/ac-1/status", true},
		{"acme/ac-1/status", "acme/ac-2/status", false},
		{"acme/+/status", "acme/ac-1/status", true},
		{"acme/+/status", "acme/ac-1/announce", false},
		{"acme/+/status", "acme/status", false},
		{"acme/+", "acme/ac-1/status", false},
		{"acme/#", "acme/ac-1/status", true},
		{"acme/#", "acme", true},
		{"acme/#", "beta/ac-1/status", false},
		{"#", "anything/at/all", true},
		{"+/+/status", "beta/ac-1/status", true},
		{"acme/ac-1/status/extra", "acme/ac-1/status", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter+"~"+tt.topic, func(t *testing.T) {
			if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter  string
		wantErr bool
	}{
		{"acme/ac-1/status", false},
		{"acme/+/status", false},
		{"acme/#", false},
		{"#", false},
		{"", true},
		{"acme/#/status", true},
		{"acme/ac+/status", true},
		{"acme/ac#", true},
		{"acme/\x00", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			err := validateFilter(tt.filter)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateFilter(%q) error = %v, wantErr %v", tt.filter, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTopic) {
				t.Errorf("error %v is not ErrInvalidTopic", err)
			}
		})
	}
}

func TestValidSegment(t *testing.T) {
	for _, s := range []string{"acme", "ac-1", "tenant_2"} {
		if !ValidSegment(s) {
			t.Errorf("ValidSegment(%q) = false", s)
		}
	}
	for _, s := range []string{"", "a/b", "+", "#", "x\x00"} {
		if ValidSegment(s) {
			t.Errorf("ValidSegment(%q) = true", s)
		}
	}
}
