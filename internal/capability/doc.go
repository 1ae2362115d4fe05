// Package capability describes what each device can do.
//
// A Descriptor lists typed data points (DPs) under canonical, vendor-neutral
// codes such as "power" or "target_temperature", together with the wire code
// and value mapping each vendor uses. Protocol adapters translate between the
// two forms using only the descriptor, so adding a device model is a catalog
// change rather than a code change.
//
// The Registry resolves a device's descriptor in this order:
//
//  1. a descriptor the device announced for itself
//  2. the catalog entry for (vendor, category)
//  3. the vendor's fallback descriptor
//  4. an empty descriptor (commands become passthrough-only)
//
// Resolution never fails. Announced descriptors survive restarts when the
// Registry has a Store.
package capability
