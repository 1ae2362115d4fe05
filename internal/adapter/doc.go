// Package adapter translates between vendor wire dialects and canonical
// device state.
//
// Each supported vendor has one adapter variant. Variants hold nothing but
// the device's capability descriptor, so they are built per call with For
// and never cache anything about a device:
//
//	a := adapter.For(dev.Vendor, registry.Resolve(dev.ID, dev.Vendor, dev.Category))
//	msg, err := a.BuildCommand(dev.ID, adapter.ActionSetMode, "cool")
//
// ParseState never returns an error. A payload it cannot read yields nil and
// the caller drops it.
package adapter
