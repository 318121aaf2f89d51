package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose ID, or whose
	// serial on the same gateway, already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when a device lacks its gateway or serial.
	ErrInvalidDevice = errors.New("device: invalid")
)
