package webgpu

import "errors"

// Package errors for the webgpu backend.
var (
	// ErrNotCompiled is returned when the package was built without the
	// webgpu tag.
	ErrNotCompiled = errors.New("webgpu: built without the webgpu tag")

	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("webgpu: no GPU adapter available")

	// ErrMapFailed is returned when mapping a staging buffer fails.
	ErrMapFailed = errors.New("webgpu: staging buffer map failed")
)
