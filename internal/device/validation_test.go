package device

import (
	"errors"
	"strings"
	"testing"
)

func validDevice() *Device {
	d := acDevice("ac-1")
	ApplyDefaults(d)
	return d
}

func TestApplyDefaults(t *testing.T) {
	d := &Device{TenantID: "acme", Name: "Heater", Vendor: "  Tuya "}
	ApplyDefaults(d)

	if d.ID == "" {
		t.Error("ID not generated")
	}
	if d.Vendor != "tuya" {
		t.Errorf("Vendor = %q, want normalised tuya", d.Vendor)
	}
	if d.ConnectionKind != ConnectionMQTT || d.Liveness != LivenessOffline {
		t.Errorf("ConnectionKind = %q, Liveness = %q", d.ConnectionKind, d.Liveness)
	}
	if d.CommandChannel != "acme/"+d.ID+"/command" || d.StatusChannel != "acme/"+d.ID+"/status" {
		t.Errorf("channels = %q / %q", d.CommandChannel, d.StatusChannel)
	}
	if d.State == nil {
		t.Error("State should be initialised")
	}

	// Explicit channels are kept.
	shared := &Device{ID: "plug-1", TenantID: "acme", StatusChannel: "acme/gateway/status"}
	ApplyDefaults(shared)
	if shared.StatusChannel != "acme/gateway/status" {
		t.Errorf("StatusChannel overwritten: %q", shared.StatusChannel)
	}
}

func TestValidateDevice(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Device)
		wantErr error
	}{
		{"valid", func(*Device) {}, nil},
		{"unknown vendor is allowed", func(d *Device) { d.Vendor = "acmecorp" }, nil},
		{"empty name", func(d *Device) { d.Name = "  " }, ErrInvalidName},
		{"long name", func(d *Device) { d.Name = strings.Repeat("x", maxNameLength+1) }, ErrInvalidName},
		{"empty vendor", func(d *Device) { d.Vendor = "" }, ErrInvalidVendor},
		{"id with slash", func(d *Device) { d.ID = "a/b" }, ErrInvalidDevice},
		{"missing tenant", func(d *Device) { d.TenantID = "" }, ErrInvalidDevice},
		{"bad connection kind", func(d *Device) { d.ConnectionKind = "zigbee" }, ErrInvalidConnectionKind},
		{"wildcard channel", func(d *Device) { d.StatusChannel = "acme/+/status" }, ErrInvalidChannel},
		{"foreign tenant channel", func(d *Device) { d.CommandChannel = "beta/ac-1/command" }, ErrInvalidChannel},
		{"bad liveness", func(d *Device) { d.Liveness = "maybe" }, ErrInvalidDevice},
		{"oversized state value", func(d *Device) {
			d.State = State{"blob": strings.Repeat("x", maxStringValueLen+1)}
		}, ErrInvalidDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDevice()
			tt.mutate(d)
			err := ValidateDevice(d)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateDevice() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateDevice(nil); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("ValidateDevice(nil) error = %v", err)
	}
}

func TestValidateState_Limits(t *testing.T) {
	big := State{}
	for i := 0; i <= maxStateKeys; i++ {
		big[strings.Repeat("k", i+1)] = i
	}
	if err := ValidateState(big); err == nil {
		t.Error("ValidateState() should reject too many keys")
	}

	deep := map[string]any{}
	cur := deep
	for i := 0; i <= maxNestingDepth+1; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	if err := ValidateState(State(deep)); err == nil {
		t.Error("ValidateState() should reject deep nesting")
	}
}
