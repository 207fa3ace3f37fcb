// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"errors"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrUnsupportedFormat is returned for texture formats the backend cannot stage.
	ErrUnsupportedFormat = errors.New("backend: unsupported format")

	// ErrUnsupportedKind is returned when the backend cannot service a resource kind.
	ErrUnsupportedKind = errors.New("backend: unsupported resource kind")

	// ErrInvalidHandle is returned when a native handle has the wrong type or is nil.
	ErrInvalidHandle = errors.New("backend: invalid native handle")

	// ErrInvalidStaging is returned when a staging resource belongs to another backend
	// or has already been destroyed.
	ErrInvalidStaging = errors.New("backend: invalid staging resource")

	// ErrSizeMismatch is returned when source and staging byte sizes differ.
	ErrSizeMismatch = errors.New("backend: source and staging size mismatch")

	// ErrDeviceLost is returned once the graphics device is gone. It is fatal:
	// every later operation on the same backend fails with it.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrCopyPending is returned when reading a staging resource whose copy
	// has not completed.
	ErrCopyPending = errors.New("backend: copy still pending")
)

// Staging is a CPU-readable copy target created by a Backend. It is opaque
// to everything but the backend that created it.
type Staging interface {
	// Desc returns the layout the staging resource was created for.
	Desc() Desc

	// Size returns the tightly packed byte size of the staged data.
	Size() uint64
}

// Backend executes the device side of a readback. All methods except Name
// and Supports touch the graphics device and are called only from the
// thread that owns it.
//
// The lifecycle of one readback is:
//
//  1. CreateStaging (once per source, reused while the layout matches)
//  2. ScheduleCopy records and submits the device-to-staging copy
//  3. PollReady is called on later checkpoints until it reports true
//  4. ReadStaging copies the staged bytes out, tightly packed
//  5. DestroyStaging on release or reallocation
//
// PollReady must never block.
type Backend interface {
	// Name returns the backend identifier (e.g., "software", "native").
	Name() string

	// Supports reports whether resources with desc can be read back.
	// It returns ErrUnsupportedFormat or ErrUnsupportedKind otherwise.
	Supports(desc Desc) error

	// CreateStaging allocates a staging resource mirroring desc.
	CreateStaging(desc Desc) (Staging, error)

	// DestroyStaging releases a staging resource. Destroying a staging
	// resource twice is a no-op.
	DestroyStaging(s Staging)

	// ScheduleCopy submits a copy from the native source resource into s.
	ScheduleCopy(src any, s Staging) error

	// PollReady reports whether the last copy into s has completed.
	// A staging resource with no copy in flight is ready.
	PollReady(s Staging) (bool, error)

	// ReadStaging copies the staged bytes into dst, which must be at least
	// s.Size() bytes long. Row padding is removed.
	ReadStaging(s Staging, dst []byte) error

	// Close releases backend-owned resources. Resources owned by the host
	// (a shared device) are left alone.
	Close()
}
