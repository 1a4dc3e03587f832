package relay

import "errors"

var (
	// ErrDeviceOffline is returned when no live robot connection exists for
	// the target device.
	ErrDeviceOffline = errors.New("device offline")
	// ErrNotOwner is returned when a user attempts to reach a device the
	// ownership map does not assign to them.
	ErrNotOwner = errors.New("user does not own device")
	// ErrSendFailed is returned when the robot connection existed but the
	// write failed; the connection has been torn down.
	ErrSendFailed = errors.New("send failed")
	// ErrConnClosed is returned by Connection.Send after Close.
	ErrConnClosed = errors.New("connection closed")
)
