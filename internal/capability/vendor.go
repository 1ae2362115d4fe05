package capability

import "strings"

// Vendor identifies the wire dialect a device speaks.
//
// The set is closed: adapters dispatch over AllVendors with one exhaustive
// switch. Anything else is treated as unknown and falls back to passthrough.
type Vendor string

// Supported vendors.
const (
	VendorGeneric  Vendor = "generic"
	VendorTuya     Vendor = "tuya"
	VendorMELCloud Vendor = "melcloud"
	VendorGree     Vendor = "gree"
)

// AllVendors returns every known vendor.
func AllVendors() []Vendor {
	return []Vendor{VendorGeneric, VendorTuya, VendorMELCloud, VendorGree}
}

// ParseVendor normalises a vendor string. Unknown names are kept verbatim
// (lowercased) so they can still be stored and reported.
func ParseVendor(s string) Vendor {
	return Vendor(strings.ToLower(strings.TrimSpace(s)))
}

// IsKnown reports whether v is one of AllVendors.
func (v Vendor) IsKnown() bool {
	for _, known := range AllVendors() {
		if v == known {
			return true
		}
	}
	return false
}

func (v Vendor) String() string { return string(v) }
