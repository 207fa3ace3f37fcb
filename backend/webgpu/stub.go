//go:build !webgpu

package webgpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/readback/backend"
)

// init registers a failing factory when the webgpu tag is not set.
// This keeps backend.Get(backend.BackendWebGPU, ...) well defined.
func init() {
	backend.Register(backend.BackendWebGPU, func(gpucontext.DeviceProvider) (backend.Backend, error) {
		return nil, ErrNotCompiled
	})
}
