package readback

import (
	"strconv"

	"github.com/gogpu/readback/backend"
)

// ResourceID identifies an engine resource for its whole lifetime.
// Zero is never a valid ID.
type ResourceID uint64

// String returns the decimal form of the ID.
func (id ResourceID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Resource is an engine-owned texture or buffer.
//
// The coordinator keeps a non-owning reference. NativeHandle is called once
// per resource until the engine reports its destruction through
// ResourceDestroyed; Desc is called on every request so resizes are seen.
type Resource interface {
	// ResourceID returns the stable engine identity.
	ResourceID() ResourceID

	// NativeHandle returns the backend resource to copy from
	// (a hal.Texture, *wgpu.Buffer, *software.Texture, ...).
	NativeHandle() (any, error)

	// Desc returns the current layout of the resource.
	Desc() backend.Desc
}

// Handle is a resolved resource. The zero Handle is invalid.
//
// A Handle stays valid until its resource is destroyed; after that every
// call with it returns InvalidArguments, even if the engine reuses the ID.
type Handle struct {
	id    ResourceID
	epoch uint64
	kind  backend.Kind
	res   Resource
}

// ID returns the engine identity of the resource.
func (h Handle) ID() ResourceID { return h.id }

// Kind returns the resource kind observed at resolve time.
func (h Handle) Kind() backend.Kind { return h.kind }

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.res == nil }

func (h Handle) key() string { return h.id.String() }
