//go:build !nogpu

package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrNilDevice is returned when the backend is built without a device or queue.
	ErrNilDevice = errors.New("native: HAL device is nil")

	// ErrNoHAL is returned when a device provider does not expose HAL types.
	ErrNoHAL = errors.New("native: provider does not expose HAL types")
)
