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
	// ErrDeviceNotFound is returned when a device ID has no live record.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDuration is returned when a work or pause duration is outside its domain.
	ErrInvalidDuration = errors.New("device: duration out of range")

	// ErrInvalidSchedule is returned when a schedule has too many blocks or a malformed time.
	ErrInvalidSchedule = errors.New("device: invalid schedule")
)
