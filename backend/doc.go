// Package backend defines the device side of an asynchronous readback.
//
// A Backend creates CPU-readable staging resources, records copies from a
// GPU texture or buffer into them, reports (without blocking) when a copy has
// landed and copies the staged bytes out. The coordinator in the parent
// package decides when each of these runs; backends never see slots, queues
// or callers.
//
// # Backend Registration
//
// Backends register a Factory from init() and are selected at runtime.
// Importing a backend package is enough:
//
//	import _ "github.com/gogpu/readback/backend/software"
//	import _ "github.com/gogpu/readback/backend/native"
//
// # Backend Selection
//
// Use Default to open the best available backend on a host device, or Get
// to request one by name:
//
//	b, err := backend.Default(app) // app implements gpucontext.DeviceProvider
//
//	b, err := backend.Get(backend.BackendSoftware, nil)
//
// # Available Backends
//
//   - "software": CPU memory, configurable latency (always available)
//   - "native": Pure Go HAL via gogpu/wgpu, fences polled with zero timeout
//   - "webgpu": wgpu-native via cogentcore/webgpu, MapAsync readiness
package backend
