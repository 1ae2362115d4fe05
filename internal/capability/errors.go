package capability

import "errors"

// Domain errors for the capability package.
var (
	// ErrInvalidAnnouncement is returned when a self-announcement payload cannot be used.
	ErrInvalidAnnouncement = errors.New("capability: invalid announcement")

	// ErrUnknownDataPoint is returned when a code is not part of a descriptor.
	ErrUnknownDataPoint = errors.New("capability: unknown data point")

	// ErrNotWritable is returned when writing a read-only data point.
	ErrNotWritable = errors.New("capability: data point is read-only")

	// ErrInvalidValue is returned when a value has the wrong type for its data point.
	ErrInvalidValue = errors.New("capability: invalid value")

	// ErrValueOutOfRange is returned when a value is outside the declared range or enum set.
	ErrValueOutOfRange = errors.New("capability: value out of range")

	// ErrInvalidCatalog is returned when a catalog override file is malformed.
	ErrInvalidCatalog = errors.New("capability: invalid catalog")
)
