// Package core defines sentinel errors and the lifecycle state machines.
package core

import "errors"

// Sentinel errors. Redundant lifecycle calls return one of these without
// changing any state, so callers may log and carry on.
var (
	// Device errors
	ErrDeviceInit         = errors.New("trafficport: device init failed")
	ErrDeviceStart        = errors.New("trafficport: device start failed")
	ErrUnsupportedBackend = errors.New("trafficport: unsupported device backend")
	ErrNotSupported       = errors.New("trafficport: operation not supported on this platform")

	// Port lifecycle errors
	ErrPortNotReady      = errors.New("trafficport: port not ready")
	ErrPortClosed        = errors.New("trafficport: port closed")
	ErrTransmitRunning   = errors.New("trafficport: transmit already running")
	ErrTransmitStopped   = errors.New("trafficport: transmit not running")
	ErrInvalidTransition = errors.New("trafficport: invalid state transition")

	// Capture errors
	ErrCaptureRunning   = errors.New("trafficport: capture already running")
	ErrCaptureStopped   = errors.New("trafficport: capture not running")
	ErrCaptureTruncated = errors.New("trafficport: capture buffer truncated")

	// Scheduling errors
	ErrStreamRegister = errors.New("trafficport: stream program registration failed")
	ErrFrameTooLarge  = errors.New("trafficport: frame exceeds maximum size")
	ErrUnknownStream  = errors.New("trafficport: unknown stream id")

	// Configuration errors
	ErrConfigInvalid = errors.New("trafficport: invalid configuration")
)
