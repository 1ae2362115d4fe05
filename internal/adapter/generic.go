package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/homelink-core/internal/capability"
)

// cborDecoder decodes CBOR maps with string keys so they line up with JSON input.
var cborDecoder = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("adapter: building CBOR decoder: %v", err))
	}
	return dm
}()

// genericAdapter speaks the canonical DP dialect:
//
//	{"dps": {"power": true, "target_temperature": 24}}
//
// A flat object without "dps" is accepted on input, as are CBOR-encoded
// maps from constrained devices.
type genericAdapter struct {
	desc capability.Descriptor

	// vendor is set when standing in for an unknown vendor.
	vendor capability.Vendor
}

func (a genericAdapter) Vendor() capability.Vendor {
	if a.vendor != "" {
		return a.vendor
	}
	return capability.VendorGeneric
}

func (a genericAdapter) BuildCommand(deviceID, action string, value any) (OutboundMessage, error) {
	fields, err := resolveAction(a.desc, action, value)
	if err != nil {
		return OutboundMessage{}, err
	}

	dps := make(map[string]any, len(fields))
	for _, f := range fields {
		dps[f.wire] = f.value
	}
	payload, err := json.Marshal(map[string]any{"dps": dps})
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return OutboundMessage{DeviceID: deviceID, Payload: payload, Values: canonicalValues(fields)}, nil
}

func (a genericAdapter) ParseState(raw []byte) State {
	obj := decodeObject(raw)
	if obj == nil {
		return nil
	}
	if dps, ok := obj["dps"].(map[string]any); ok {
		return canonicalize(a.desc, dps)
	}
	for _, key := range routingKeys {
		delete(obj, key)
	}
	return canonicalize(a.desc, obj)
}

// decodeObject reads a JSON object, or a CBOR map when the input is not JSON.
func decodeObject(raw []byte) map[string]any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil
		}
		return obj
	}

	var obj map[string]any
	if err := cborDecoder.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}
