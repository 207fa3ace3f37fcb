//go:build !nogpu

package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/readback/backend"
)

// init registers the native backend on package import.
// A provider exposing HAL types is used directly; otherwise the backend
// opens its own device.
func init() {
	backend.Register(backend.BackendNative, func(provider gpucontext.DeviceProvider) (backend.Backend, error) {
		if provider != nil {
			b, err := NewFromProvider(provider)
			if err == nil {
				return b, nil
			}
			if !errors.Is(err, ErrNoHAL) {
				return nil, err
			}
		}
		return Open()
	})
}

// halProvider is implemented by hosts that share their HAL device
// (e.g., gogpu).
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider creates a backend on the device shared by provider.
// The device stays owned by the host; Close leaves it alone.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Backend, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, queue)
}

// Open creates a backend on its own Vulkan device. Close destroys it.
func Open() (*Backend, error) {
	api, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoGPU)
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	b, err := New(openDev.Device, openDev.Queue)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	b.instance = instance
	b.ownsDevice = true
	b.adapterName = selected.Info.Name
	return b, nil
}
