package adapter

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/homelink-core/internal/capability"
)

func catalogDescriptor(t *testing.T, vendor capability.Vendor, category string) capability.Descriptor {
	t.Helper()
	d, ok := capability.DefaultCatalog().Lookup(vendor, category)
	if !ok {
		t.Fatalf("catalog has no %s/%s", vendor, category)
	}
	return d
}

func decodeJSON(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("payload %s is not JSON: %v", payload, err)
	}
	return out
}

// ─── Dispatch ───────────────────────────────────────────────────────

func TestFor_CoversEveryVendor(t *testing.T) {
	for _, v := range capability.AllVendors() {
		a := For(v, capability.Descriptor{Vendor: v})
		if a.Vendor() != v {
			t.Errorf("For(%s).Vendor() = %s", v, a.Vendor())
		}
	}
}

func TestFor_UnknownVendorIsPassthroughOnly(t *testing.T) {
	// Even a populated descriptor is ignored for an unknown vendor.
	a := For("acme", catalogDescriptor(t, capability.VendorGeneric, "ac"))
	if a.Vendor() != "acme" {
		t.Errorf("Vendor() = %s, want acme", a.Vendor())
	}

	if _, err := a.BuildCommand("dev-1", ActionPowerOn, nil); !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("power_on error = %v, want ErrUnsupportedAction", err)
	}

	msg, err := a.BuildCommand("dev-1", ActionPassthrough, map[string]any{"relay": 1})
	if err != nil {
		t.Fatalf("passthrough error = %v", err)
	}
	dps := decodeJSON(t, msg.Payload)["dps"].(map[string]any)
	if dps["relay"] != float64(1) {
		t.Errorf("payload = %s", msg.Payload)
	}
}

// ─── Commands ───────────────────────────────────────────────────────

func TestBuildCommand_Errors(t *testing.T) {
	a := For(capability.VendorGeneric, catalogDescriptor(t, capability.VendorGeneric, "switch"))

	tests := []struct {
		name    string
		action  string
		value   any
		wantErr error
	}{
		{"unknown action", "explode", nil, ErrUnsupportedAction},
		{"no such data point", ActionSetMode, "cool", ErrUnsupportedAction},
		{"missing value", ActionSetTemperature, nil, ErrInvalidValue},
		{"passthrough not a map", ActionPassthrough, "power", ErrInvalidValue},
		{"passthrough empty", ActionPassthrough, map[string]any{}, ErrInvalidValue},
		{"passthrough bad known value", ActionPassthrough, map[string]any{"power": "maybe"}, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.BuildCommand("dev-1", tt.action, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildCommand_ReadOnlyIsUnsupported(t *testing.T) {
	a := For(capability.VendorGeneric, catalogDescriptor(t, capability.VendorGeneric, "sensor"))
	_, err := a.BuildCommand("dev-1", ActionPassthrough, map[string]any{"temperature": 20})
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("error = %v, want ErrUnsupportedAction", err)
	}
}

func TestGeneric_BuildCommand(t *testing.T) {
	a := For(capability.VendorGeneric, catalogDescriptor(t, capability.VendorGeneric, "ac"))

	msg, err := a.BuildCommand("ac-1", ActionSetMode, "cool")
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	want := map[string]any{"dps": map[string]any{"mode": "cool"}}
	if got := decodeJSON(t, msg.Payload); !reflect.DeepEqual(got, want) {
		t.Errorf("payload = %v, want %v", got, want)
	}
	if msg.DeviceID != "ac-1" || msg.Values["mode"] != "cool" {
		t.Errorf("msg = %+v", msg)
	}

	if _, err := a.BuildCommand("ac-1", ActionSetTemperature, 45); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("out of range error = %v, want ErrInvalidValue", err)
	}
}

func TestTuya_BuildCommand(t *testing.T) {
	a := For(capability.VendorTuya, catalogDescriptor(t, capability.VendorTuya, "kt"))

	tests := []struct {
		name    string
		action  string
		value   any
		wantDPS map[string]any
	}{
		{"power on", ActionPowerOn, nil, map[string]any{"1": true}},
		{"scaled temperature", ActionSetTemperature, 24.0, map[string]any{"2": float64(240)}},
		{"mapped mode", ActionSetMode, "cool", map[string]any{"4": "cold"}},
		{"mapped fan", ActionSetFanSpeed, "medium", map[string]any{"5": "middle"}},
		{"swing", ActionSetSwing, "vertical", map[string]any{"15": "on"}},
		{"passthrough mixes known and unknown", ActionPassthrough,
			map[string]any{"power": false, "101": "eco"},
			map[string]any{"1": false, "101": "eco"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := a.BuildCommand("bf12", tt.action, tt.value)
			if err != nil {
				t.Fatalf("BuildCommand() error = %v", err)
			}
			got := decodeJSON(t, msg.Payload)
			if got["devId"] != "bf12" {
				t.Errorf("devId = %v", got["devId"])
			}
			if !reflect.DeepEqual(got["dps"], tt.wantDPS) {
				t.Errorf("dps = %v, want %v", got["dps"], tt.wantDPS)
			}
		})
	}
}

func TestMELCloud_BuildCommand(t *testing.T) {
	a := For(capability.VendorMELCloud, catalogDescriptor(t, capability.VendorMELCloud, "ata"))

	tests := []struct {
		name      string
		action    string
		value     any
		wantField string
		wantValue any
		wantFlags float64
	}{
		{"power", ActionPowerOn, nil, "Power", true, 0x01},
		{"mode", ActionSetMode, "cool", "OperationMode", float64(3), 0x02},
		{"temperature", ActionSetTemperature, 22.5, "SetTemperature", 22.5, 0x04},
		{"fan", ActionSetFanSpeed, "high", "SetFanSpeed", float64(5), 0x08},
		{"vane", ActionSetSwing, "vertical", "VaneVertical", float64(7), 0x10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := a.BuildCommand("1234", tt.action, tt.value)
			if err != nil {
				t.Fatalf("BuildCommand() error = %v", err)
			}
			got := decodeJSON(t, msg.Payload)
			if got[tt.wantField] != tt.wantValue {
				t.Errorf("%s = %v, want %v", tt.wantField, got[tt.wantField], tt.wantValue)
			}
			if got["EffectiveFlags"] != tt.wantFlags {
				t.Errorf("EffectiveFlags = %v, want %v", got["EffectiveFlags"], tt.wantFlags)
			}
			if got["HasPendingCommand"] != true {
				t.Error("HasPendingCommand not set")
			}
		})
	}
}

func TestGree_BuildCommand(t *testing.T) {
	a := For(capability.VendorGree, catalogDescriptor(t, capability.VendorGree, "ac"))

	msg, err := a.BuildCommand("f4911e", ActionPassthrough, map[string]any{"power": true, "target_temperature": 24})
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	got := decodeJSON(t, msg.Payload)
	if got["t"] != "cmd" {
		t.Errorf("t = %v", got["t"])
	}
	// Keys are sorted, so power comes before target_temperature.
	if !reflect.DeepEqual(got["opt"], []any{"Pow", "SetTem"}) {
		t.Errorf("opt = %v", got["opt"])
	}
	if !reflect.DeepEqual(got["p"], []any{float64(1), float64(24)}) {
		t.Errorf("p = %v", got["p"])
	}
}

// ─── State parsing ──────────────────────────────────────────────────

func TestParseState(t *testing.T) {
	tests := []struct {
		name     string
		vendor   capability.Vendor
		category string
		raw      string
		want     State
	}{
		{
			name: "generic dps", vendor: capability.VendorGeneric, category: "ac",
			raw:  `{"dps":{"power":true,"mode":"cool","temperature":27.5}}`,
			want: State{"power": true, "mode": "cool", "temperature": 27.5},
		},
		{
			name: "generic flat drops routing key", vendor: capability.VendorGeneric, category: "sensor",
			raw:  `{"device_id":"s-1","temperature":21,"humidity":40}`,
			want: State{"temperature": 21.0, "humidity": 40.0},
		},
		{
			name: "generic keeps unknown keys", vendor: capability.VendorGeneric, category: "switch",
			raw:  `{"dps":{"power":false,"firmware":"1.2"}}`,
			want: State{"power": false, "firmware": "1.2"},
		},
		{
			name: "tuya scaled and mapped", vendor: capability.VendorTuya, category: "kt",
			raw:  `{"devId":"bf12","dps":{"1":true,"3":275,"4":"cold","5":"middle","101":7}}`,
			want: State{"power": true, "temperature": 27.5, "mode": "cool", "fan_speed": "medium", "101": 7.0},
		},
		{
			name: "tuya skips mistyped known dp", vendor: capability.VendorTuya, category: "kt",
			raw:  `{"dps":{"1":"banana","2":240}}`,
			want: State{"target_temperature": 24.0},
		},
		{
			name: "melcloud", vendor: capability.VendorMELCloud, category: "ata",
			raw:  `{"DeviceID":1234,"Power":true,"OperationMode":3,"RoomTemperature":26.5,"EffectiveFlags":0}`,
			want: State{"power": true, "mode": "cool", "temperature": 26.5},
		},
		{
			name: "gree with offset", vendor: capability.VendorGree, category: "ac",
			raw:  `{"t":"dat","cols":["Pow","Mod","TemSen","SetTem"],"dat":[1,4,65,22]}`,
			want: State{"power": true, "mode": "heat", "temperature": 25.0, "target_temperature": 22.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := For(tt.vendor, catalogDescriptor(t, tt.vendor, tt.category))
			got := a.ParseState([]byte(tt.raw))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseState_GarbageIsNil(t *testing.T) {
	garbage := []string{
		``,
		`not json at all`,
		`{"dps":`,
		`[1,2,3]`,
		`42`,
		`{}`,
	}

	for _, v := range capability.AllVendors() {
		var category string
		switch v {
		case capability.VendorMELCloud:
			category = "ata"
		case capability.VendorTuya:
			category = "kt"
		default:
			category = "ac"
		}
		a := For(v, catalogDescriptor(t, v, category))
		for _, raw := range garbage {
			if got := a.ParseState([]byte(raw)); got != nil {
				t.Errorf("%s.ParseState(%q) = %v, want nil", v, raw, got)
			}
		}
	}
}

func TestParseState_VendorSpecificGarbage(t *testing.T) {
	tests := []struct {
		vendor   capability.Vendor
		category string
		raw      string
	}{
		{capability.VendorGeneric, "ac", `{"dps":{}}`},
		{capability.VendorGeneric, "ac", `{"device_id":"ac-1"}`},
		{capability.VendorTuya, "kt", `{"dps":{"1":"banana"}}`},
		{capability.VendorTuya, "kt", `{"devId":"bf12"}`},
		{capability.VendorMELCloud, "ata", `{"DeviceID":1,"EffectiveFlags":0}`},
		{capability.VendorGree, "ac", `{"cols":["Pow"],"dat":[]}`},
		{capability.VendorGree, "ac", `{"cols":["Pow"],"dat":["x"]}`},
	}

	for _, tt := range tests {
		a := For(tt.vendor, catalogDescriptor(t, tt.vendor, tt.category))
		if got := a.ParseState([]byte(tt.raw)); got != nil {
			t.Errorf("%s.ParseState(%s) = %v, want nil", tt.vendor, tt.raw, got)
		}
	}
}

func TestGeneric_ParseStateCBOR(t *testing.T) {
	raw, err := cbor.Marshal(map[string]any{
		"dps": map[string]any{"power": true, "brightness": 80},
	})
	if err != nil {
		t.Fatalf("cbor.Marshal: %v", err)
	}

	a := For(capability.VendorGeneric, catalogDescriptor(t, capability.VendorGeneric, "light"))
	got := a.ParseState(raw)
	want := State{"power": true, "brightness": 80.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseState(cbor) = %v, want %v", got, want)
	}
}

func TestParseState_EmptyDescriptorKeepsEverything(t *testing.T) {
	a := For(capability.VendorGeneric, capability.Descriptor{Source: capability.SourceEmpty})
	got := a.ParseState([]byte(`{"dps":{"relay":1}}`))
	if !reflect.DeepEqual(got, State{"relay": 1.0}) {
		t.Errorf("ParseState() = %v", got)
	}
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"devId":"bf12","dps":{"1":true}}`, "bf12"},
		{`{"device_id":"s-1","temperature":20}`, "s-1"},
		{`{"DeviceID":1234,"Power":true}`, "1234"},
		{`{"mac":"f4911e","cols":[],"dat":[]}`, "f4911e"},
		{`{"dps":{"1":true}}`, ""},
		{`garbage`, ""},
	}

	for _, tt := range tests {
		if got := RoutingKey([]byte(tt.raw)); got != tt.want {
			t.Errorf("RoutingKey(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
