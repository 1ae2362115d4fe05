package adapter

import (
	"github.com/nerrad567/homelink-core/internal/capability"
)

// State is a canonical state fragment: data point code to value.
// Numbers are float64, enums are their canonical member names.
type State map[string]any

// OutboundMessage is a command ready to publish on a device's command channel.
type OutboundMessage struct {
	DeviceID string

	// Payload is the vendor wire encoding.
	Payload []byte

	// Values holds the canonical values the command writes, keyed by DP code.
	Values map[string]any
}

// Adapter translates between one vendor dialect and canonical state.
//
// Implementations are values parameterised only by a descriptor, so one
// adapter can serve any number of devices concurrently.
type Adapter interface {
	Vendor() capability.Vendor

	// BuildCommand encodes an action for a device. It returns
	// ErrUnsupportedAction or ErrInvalidValue, never a partial message.
	BuildCommand(deviceID, action string, value any) (OutboundMessage, error)

	// ParseState decodes a status payload. It returns nil when nothing in
	// the payload can be interpreted.
	ParseState(raw []byte) State
}

// For returns the adapter for a vendor. Unknown vendors get a generic
// adapter over an empty descriptor, which only accepts passthrough.
func For(vendor capability.Vendor, desc capability.Descriptor) Adapter {
	switch vendor {
	case capability.VendorGeneric:
		return genericAdapter{desc: desc}
	case capability.VendorTuya:
		return tuyaAdapter{desc: desc}
	case capability.VendorMELCloud:
		return melcloudAdapter{desc: desc}
	case capability.VendorGree:
		return greeAdapter{desc: desc}
	default:
		return genericAdapter{desc: capability.Descriptor{Vendor: vendor, Source: capability.SourceEmpty}, vendor: vendor}
	}
}
