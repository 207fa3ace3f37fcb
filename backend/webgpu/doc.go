// Package webgpu provides a readback backend using wgpu-native through
// cogentcore/webgpu.
//
// Copies are submitted to the queue and immediately followed by a MapAsync
// on the staging buffer. PollReady pumps the device with a non-blocking
// Poll and reports ready once the map callback has fired. Staging buffers
// are mapped exactly once per copy and unmapped after ReadStaging.
//
// # Registration and Selection
//
// The backend is registered when this package is imported with the
// "webgpu" build tag:
//
//	// Build with: go build -tags webgpu
//	import _ "github.com/gogpu/readback/backend/webgpu"
//
// Without the tag the package registers a factory that always fails, so
// backend.Default falls through to the next backend.
//
// Priority order: native > webgpu > software
//
// # Requirements
//
// The wgpu-native shared library must be available at runtime.
package webgpu
