package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// MELCloud EffectiveFlags bits. A command must flag every field it sets or
// the unit ignores it.
const (
	melFlagPower          = 0x01
	melFlagOperationMode  = 0x02
	melFlagSetTemperature = 0x04
	melFlagSetFanSpeed    = 0x08
	melFlagVaneVertical   = 0x10
)

var melFlags = map[string]int{
	"Power":          melFlagPower,
	"OperationMode":  melFlagOperationMode,
	"SetTemperature": melFlagSetTemperature,
	"SetFanSpeed":    melFlagSetFanSpeed,
	"VaneVertical":   melFlagVaneVertical,
}

// melMetaFields are envelope fields, not device state.
var melMetaFields = []string{
	"DeviceID", "DeviceType", "EffectiveFlags", "HasPendingCommand",
	"LastCommunication", "NextCommunication", "Offline",
}

// melcloudAdapter speaks the MELCloud air-to-air JSON dialect:
//
//	{"DeviceID": 1234, "Power": true, "OperationMode": 3, "SetTemperature": 22.5,
//	 "EffectiveFlags": 7, "HasPendingCommand": true}
type melcloudAdapter struct {
	desc capability.Descriptor
}

func (melcloudAdapter) Vendor() capability.Vendor { return capability.VendorMELCloud }

func (a melcloudAdapter) BuildCommand(deviceID, action string, value any) (OutboundMessage, error) {
	fields, err := resolveAction(a.desc, action, value)
	if err != nil {
		return OutboundMessage{}, err
	}

	body := make(map[string]any, len(fields)+3)
	flags := 0
	for _, f := range fields {
		body[f.wire] = f.value
		flags |= melFlags[f.wire]
	}
	body["DeviceID"] = deviceID
	body["EffectiveFlags"] = flags
	body["HasPendingCommand"] = true

	payload, err := json.Marshal(body)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return OutboundMessage{DeviceID: deviceID, Payload: payload, Values: canonicalValues(fields)}, nil
}

func (a melcloudAdapter) ParseState(raw []byte) State {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil
	}
	for _, key := range melMetaFields {
		delete(obj, key)
	}
	return canonicalize(a.desc, obj)
}
