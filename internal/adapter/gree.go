package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// greeAdapter speaks the Gree column/value dialect. Status reports arrive as
//
//	{"t": "dat", "cols": ["Pow", "Mod", "SetTem"], "dat": [1, 1, 24]}
//
// and commands go out as
//
//	{"t": "cmd", "opt": ["Pow", "SetTem"], "p": [1, 24]}
type greeAdapter struct {
	desc capability.Descriptor
}

type greeStatus struct {
	Cols []string `json:"cols"`
	Dat  []any    `json:"dat"`
}

type greeCommand struct {
	Opt []string `json:"opt"`
	P   []any    `json:"p"`
	T   string   `json:"t"`
	Sub string   `json:"sub,omitempty"`
}

func (greeAdapter) Vendor() capability.Vendor { return capability.VendorGree }

func (a greeAdapter) BuildCommand(deviceID, action string, value any) (OutboundMessage, error) {
	fields, err := resolveAction(a.desc, action, value)
	if err != nil {
		return OutboundMessage{}, err
	}

	cmd := greeCommand{T: "cmd", Sub: deviceID}
	for _, f := range fields {
		cmd.Opt = append(cmd.Opt, f.wire)
		cmd.P = append(cmd.P, f.value)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return OutboundMessage{DeviceID: deviceID, Payload: payload, Values: canonicalValues(fields)}, nil
}

func (a greeAdapter) ParseState(raw []byte) State {
	var st greeStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil
	}
	if len(st.Cols) == 0 || len(st.Cols) != len(st.Dat) {
		return nil
	}

	fields := make(map[string]any, len(st.Cols))
	for i, col := range st.Cols {
		fields[col] = st.Dat[i]
	}
	return canonicalize(a.desc, fields)
}
