//go:build !nogpu

// Package native provides a Pure Go readback backend using gogpu/wgpu.
//
// Copies are recorded into a one-shot command buffer and submitted with
// their own fence. Readiness is a zero-timeout fence wait, so polling never
// stalls the graphics thread. Texture staging buffers use rows padded to
// backend.CopyPitchAlignment; the padding is stripped on read.
package native

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/readback/backend"
)

// bufferCopyAlignment is the size alignment of buffer-to-buffer copies.
const bufferCopyAlignment = 4

// Backend implements backend.Backend on a HAL device and queue.
//
// Thread Safety: Backend is safe for concurrent use, but device work is
// expected to come from the single thread that owns the device.
type Backend struct {
	mu     sync.Mutex
	device hal.Device
	queue  hal.Queue

	// Set when the backend opened the device itself.
	instance    hal.Instance
	ownsDevice  bool
	adapterName string

	live   map[*staging]struct{}
	lost   bool
	closed bool
	logger *slog.Logger
}

// New creates a backend on a device and queue owned by the caller.
func New(device hal.Device, queue hal.Queue) (*Backend, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	return &Backend{
		device: device,
		queue:  queue,
		live:   make(map[*staging]struct{}),
		logger: slog.New(slog.DiscardHandler),
	}, nil
}

// staging is a MapRead|CopyDst buffer plus the fence of its last copy.
type staging struct {
	owner *Backend
	desc  backend.Desc

	buf   hal.Buffer
	pitch uint32 // texture row pitch inside buf
	alloc uint64 // allocated bytes, including padding

	fence     hal.Fence
	cmd       hal.CommandBuffer
	pending   bool
	destroyed bool
}

func (s *staging) Desc() backend.Desc { return s.desc }
func (s *staging) Size() uint64       { return s.desc.ByteSize() }

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return backend.BackendNative
}

// AdapterName returns the adapter name when the backend opened its own
// device, or "" on a shared device.
func (b *Backend) AdapterName() string {
	return b.adapterName
}

// SetLogger sets the logger used for backend diagnostics.
// Passing nil silences the backend.
func (b *Backend) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Supports reports whether desc can be read back. Buffers must be a
// multiple of 4 bytes long.
func (b *Backend) Supports(desc backend.Desc) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Kind == backend.KindBuffer && desc.ByteSize()%bufferCopyAlignment != 0 {
		return fmt.Errorf("%w: buffer size %d not a multiple of %d",
			backend.ErrUnsupportedKind, desc.ByteSize(), bufferCopyAlignment)
	}
	return nil
}

// CreateStaging allocates a staging buffer for desc.
func (b *Backend) CreateStaging(desc backend.Desc) (backend.Staging, error) {
	if err := b.Supports(desc); err != nil {
		return nil, err
	}

	s := &staging{owner: b, desc: desc}
	switch desc.Kind {
	case backend.KindTexture:
		s.pitch = backend.AlignedRowBytes(desc.RowBytes())
		s.alloc = uint64(s.pitch) * uint64(desc.Height)
	case backend.KindBuffer:
		s.alloc = desc.ByteSize()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}

	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback_staging",
		Size:  s.alloc,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	s.buf = buf
	b.live[s] = struct{}{}
	b.logger.Debug("native: staging created", "desc", desc.String(), "bytes", s.alloc)
	return s, nil
}

// DestroyStaging releases the staging buffer and any in-flight copy state.
func (b *Backend) DestroyStaging(st backend.Staging) {
	s, ok := st.(*staging)
	if !ok || s == nil || s.owner != b {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyLocked(s)
	delete(b.live, s)
}

// ScheduleCopy records and submits a copy from src into the staging buffer.
// src must be a hal.Texture for texture staging and a hal.Buffer for buffer
// staging.
func (b *Backend) ScheduleCopy(src any, st backend.Staging) error {
	s, err := b.own(st)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if s.destroyed {
		return backend.ErrInvalidStaging
	}
	if s.pending {
		return backend.ErrCopyPending
	}

	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "readback_encoder",
	})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback_copy"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	switch s.desc.Kind {
	case backend.KindTexture:
		tex, ok := src.(hal.Texture)
		if !ok || tex == nil {
			encoder.DiscardEncoding()
			return fmt.Errorf("%w: %T is not hal.Texture", backend.ErrInvalidHandle, src)
		}
		encoder.CopyTextureToBuffer(tex, s.buf, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: s.pitch, RowsPerImage: s.desc.Height},
			TextureBase:  hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
			Size:         hal.Extent3D{Width: s.desc.Width, Height: s.desc.Height, DepthOrArrayLayers: 1},
		}})
	case backend.KindBuffer:
		buf, ok := src.(hal.Buffer)
		if !ok || buf == nil {
			encoder.DiscardEncoding()
			return fmt.Errorf("%w: %T is not hal.Buffer", backend.ErrInvalidHandle, src)
		}
		encoder.CopyBufferToBuffer(buf, s.buf, []hal.BufferCopy{{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      s.alloc,
		}})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("end encoding: %w", err)
	}
	fence, err := b.device.CreateFence()
	if err != nil {
		b.device.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("create fence: %w", err)
	}
	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		b.device.DestroyFence(fence)
		b.device.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("submit: %w", err)
	}

	s.cmd = cmdBuf
	s.fence = fence
	s.pending = true
	return nil
}

// PollReady checks the copy fence without waiting.
func (b *Backend) PollReady(st backend.Staging) (bool, error) {
	s, err := b.own(st)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return false, err
	}
	if s.destroyed {
		return false, backend.ErrInvalidStaging
	}
	if !s.pending {
		return true, nil
	}

	done, err := b.device.Wait(s.fence, 1, 0)
	if err != nil {
		b.lost = true
		b.logger.Error("native: fence wait failed", "err", err)
		return false, fmt.Errorf("%w: %w", backend.ErrDeviceLost, err)
	}
	if !done {
		return false, nil
	}
	b.retireLocked(s)
	return true, nil
}

// ReadStaging copies the staged bytes into dst with row padding removed.
func (b *Backend) ReadStaging(st backend.Staging, dst []byte) error {
	s, err := b.own(st)
	if err != nil {
		return err
	}
	size := s.desc.ByteSize()
	if uint64(len(dst)) < size {
		return fmt.Errorf("%w: dst %d bytes, staged %d bytes", backend.ErrSizeMismatch, len(dst), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if s.destroyed {
		return backend.ErrInvalidStaging
	}
	if s.pending {
		return backend.ErrCopyPending
	}

	if s.desc.Kind == backend.KindBuffer || s.pitch == s.desc.RowBytes() {
		if err := b.queue.ReadBuffer(s.buf, 0, dst[:size]); err != nil {
			return fmt.Errorf("readback: %w", err)
		}
		return nil
	}

	padded := make([]byte, s.alloc)
	if err := b.queue.ReadBuffer(s.buf, 0, padded); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	backend.StripRowPadding(dst, padded, s.desc.RowBytes(), s.pitch, s.desc.Height)
	return nil
}

// Close destroys every live staging buffer. A device opened by Open is
// destroyed too; a shared device is left alone.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.live {
		b.destroyLocked(s)
	}
	b.live = make(map[*staging]struct{})
	b.closed = true

	if b.ownsDevice {
		b.device.Destroy()
		if b.instance != nil {
			b.instance.Destroy()
		}
	}
}

func (b *Backend) own(st backend.Staging) (*staging, error) {
	s, ok := st.(*staging)
	if !ok || s == nil || s.owner != b {
		return nil, fmt.Errorf("%w: %T", backend.ErrInvalidStaging, st)
	}
	return s, nil
}

// retireLocked frees the submission resources of a completed copy.
func (b *Backend) retireLocked(s *staging) {
	if s.fence != nil {
		b.device.DestroyFence(s.fence)
		s.fence = nil
	}
	if s.cmd != nil {
		b.device.FreeCommandBuffer(s.cmd)
		s.cmd = nil
	}
	s.pending = false
}

func (b *Backend) destroyLocked(s *staging) {
	if s.destroyed {
		return
	}
	b.retireLocked(s)
	if s.buf != nil {
		b.device.DestroyBuffer(s.buf)
		s.buf = nil
	}
	s.destroyed = true
}

// usableLocked returns the fatal error state. Caller must hold mu.
func (b *Backend) usableLocked() error {
	if b.lost || b.closed {
		return backend.ErrDeviceLost
	}
	return nil
}
