package influxdb

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestStateFields(t *testing.T) {
	tests := []struct {
		name  string
		state map[string]any
		want  map[string]any
	}{
		{"numbers become floats", map[string]any{"temperature": 26.5, "fan": 3}, map[string]any{"temperature": 26.5, "fan": 3.0}},
		{"booleans kept", map[string]any{"power": false}, map[string]any{"power": false}},
		{"json numbers", map[string]any{"humidity": json.Number("48")}, map[string]any{"humidity": 48.0}},
		{"strings dropped", map[string]any{"mode": "cool", "setpoint": "22"}, map[string]any{}},
		{"nested dropped", map[string]any{"raw": map[string]any{"a": 1}}, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateFields(tt.state); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("stateFields() = %v, want %v", got, tt.want)
			}
		})
	}
}
