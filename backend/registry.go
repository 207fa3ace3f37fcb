// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gpucontext"
)

// Backend name constants.
const (
	// BackendSoftware is the CPU-memory backend, always available.
	BackendSoftware = "software"
	// BackendNative is the Pure Go HAL backend (gogpu/wgpu).
	BackendNative = "native"
	// BackendWebGPU is the wgpu-native backend (cogentcore/webgpu).
	BackendWebGPU = "webgpu"
)

// Factory creates a backend bound to the device exposed by provider.
// Backends that own no device ignore provider; it may be nil.
type Factory func(provider gpucontext.DeviceProvider) (Backend, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first that opens wins).
	backendPriority = []string{BackendNative, BackendWebGPU, BackendSoftware}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get opens the named backend on provider.
func Get(name string, provider gpucontext.DeviceProvider) (Backend, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	return factory(provider)
}

// Default opens the best available backend based on priority.
// Priority order: native > webgpu > software, then any other registered
// backend. Backends whose factory fails are skipped.
func Default(provider gpucontext.DeviceProvider) (Backend, error) {
	registryMu.RLock()
	ordered := make([]Factory, 0, len(backends))
	seen := make(map[string]bool, len(backends))
	for _, name := range backendPriority {
		if factory, ok := backends[name]; ok {
			ordered = append(ordered, factory)
			seen[name] = true
		}
	}
	for name, factory := range backends {
		if !seen[name] {
			ordered = append(ordered, factory)
		}
	}
	registryMu.RUnlock()

	var lastErr error
	for _, factory := range ordered {
		b, err := factory(provider)
		if err == nil && b != nil {
			return b, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendNotAvailable, lastErr)
	}
	return nil, ErrBackendNotAvailable
}
