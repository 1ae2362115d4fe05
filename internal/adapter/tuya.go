package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// tuyaAdapter speaks the Tuya local protocol, where data points are keyed by
// numeric DP id and integers carry a per-DP scale:
//
//	{"devId": "bf12...", "dps": {"1": true, "2": 240}}
type tuyaAdapter struct {
	desc capability.Descriptor
}

type tuyaMessage struct {
	DevID string         `json:"devId,omitempty"`
	DPS   map[string]any `json:"dps"`
}

func (tuyaAdapter) Vendor() capability.Vendor { return capability.VendorTuya }

func (a tuyaAdapter) BuildCommand(deviceID, action string, value any) (OutboundMessage, error) {
	fields, err := resolveAction(a.desc, action, value)
	if err != nil {
		return OutboundMessage{}, err
	}

	msg := tuyaMessage{DevID: deviceID, DPS: make(map[string]any, len(fields))}
	for _, f := range fields {
		msg.DPS[f.wire] = f.value
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return OutboundMessage{DeviceID: deviceID, Payload: payload, Values: canonicalValues(fields)}, nil
}

func (a tuyaAdapter) ParseState(raw []byte) State {
	var msg tuyaMessage
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.DPS) == 0 {
		return nil
	}
	return canonicalize(a.desc, msg.DPS)
}
