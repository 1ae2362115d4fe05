package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidVendor is returned when a vendor value is not recognised.
	ErrInvalidVendor = errors.New("device: invalid vendor")

	// ErrInvalidConnectionKind is returned when a connection kind is not recognised.
	ErrInvalidConnectionKind = errors.New("device: invalid connection kind")

	// ErrInvalidChannel is returned when a command or status channel is malformed.
	ErrInvalidChannel = errors.New("device: invalid channel")

	// ErrTenantMismatch is returned when a device is accessed outside its tenant.
	ErrTenantMismatch = errors.New("device: tenant mismatch")

	// ErrDeviceActive is returned when deleting a device that is still subscribed.
	ErrDeviceActive = errors.New("device: still active")

	// ErrMalformedPayload is returned when a status payload cannot be interpreted.
	// The payload is dropped and the device is not marked as seen.
	ErrMalformedPayload = errors.New("device: malformed payload")

	// ErrUnroutable is returned when a message on a shared channel names no bound device.
	ErrUnroutable = errors.New("device: message matches no device")
)
