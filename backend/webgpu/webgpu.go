//go:build webgpu

package webgpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/readback/backend"
)

// init registers the webgpu backend on package import.
func init() {
	backend.Register(backend.BackendWebGPU, func(provider gpucontext.DeviceProvider) (backend.Backend, error) {
		if dp, ok := provider.(deviceProvider); ok && dp.WGPUDevice() != nil {
			return NewFromDevice(dp.WGPUDevice())
		}
		return Open()
	})
}

// deviceProvider is implemented by hosts that render with wgpu-native and
// share their device.
type deviceProvider interface {
	WGPUDevice() *wgpu.Device
}

// Backend implements backend.Backend on a wgpu-native device.
type Backend struct {
	mu     sync.Mutex
	device *wgpu.Device
	queue  *wgpu.Queue

	// Set when the backend created the device itself.
	instance *wgpu.Instance
	adapter  *wgpu.Adapter

	live   map[*staging]struct{}
	lost   bool
	closed bool
	logger *slog.Logger
}

// NewFromDevice creates a backend on a device owned by the caller.
func NewFromDevice(device *wgpu.Device) (*Backend, error) {
	if device == nil {
		return nil, fmt.Errorf("%w: nil device", ErrNoGPU)
	}
	queue := device.GetQueue()
	if queue == nil {
		return nil, fmt.Errorf("queue retrieval failed")
	}
	return &Backend{
		device: device,
		queue:  queue,
		live:   make(map[*staging]struct{}),
		logger: slog.New(slog.DiscardHandler),
	}, nil
}

// Open creates a backend on its own high-performance device.
func Open() (*Backend, error) {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, ErrNoGPU
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: %w", ErrNoGPU, err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("device creation failed: %w", err)
	}
	b, err := NewFromDevice(device)
	if err != nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, err
	}
	b.instance = instance
	b.adapter = adapter
	return b, nil
}

// staging is a MapRead|CopyDst buffer with the map state of its last copy.
type staging struct {
	owner *Backend
	desc  backend.Desc

	buf   *wgpu.Buffer
	pitch uint32
	alloc uint64

	pending   bool
	mapped    bool
	mapStatus wgpu.BufferMapAsyncStatus
	destroyed bool
}

func (s *staging) Desc() backend.Desc { return s.desc }
func (s *staging) Size() uint64       { return s.desc.ByteSize() }

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return backend.BackendWebGPU
}

// SetLogger sets the logger used for backend diagnostics.
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
	if desc.Kind == backend.KindBuffer && desc.ByteSize()%4 != 0 {
		return fmt.Errorf("%w: buffer size %d not a multiple of 4", backend.ErrUnsupportedKind, desc.ByteSize())
	}
	return nil
}

// CreateStaging allocates a mappable staging buffer for desc.
func (b *Backend) CreateStaging(desc backend.Desc) (backend.Staging, error) {
	if err := b.Supports(desc); err != nil {
		return nil, err
	}
	s := &staging{owner: b, desc: desc}
	if desc.Kind == backend.KindTexture {
		s.pitch = backend.AlignedRowBytes(desc.RowBytes())
		s.alloc = uint64(s.pitch) * uint64(desc.Height)
	} else {
		s.alloc = desc.ByteSize()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}
	buf, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadbackStaging",
		Size:  s.alloc,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	s.buf = buf
	b.live[s] = struct{}{}
	return s, nil
}

// DestroyStaging unmaps and releases the staging buffer.
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

// ScheduleCopy submits a copy from src (*wgpu.Texture or *wgpu.Buffer) and
// requests a map of the staging buffer.
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
	if s.mapped {
		s.buf.Unmap()
		s.mapped = false
	}

	encoder, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	defer encoder.Release()

	switch s.desc.Kind {
	case backend.KindTexture:
		tex, ok := src.(*wgpu.Texture)
		if !ok || tex == nil {
			return fmt.Errorf("%w: %T is not *wgpu.Texture", backend.ErrInvalidHandle, src)
		}
		encoder.CopyTextureToBuffer(
			&wgpu.ImageCopyTexture{
				Texture:  tex,
				MipLevel: 0,
				Origin:   wgpu.Origin3D{},
				Aspect:   wgpu.TextureAspectAll,
			},
			&wgpu.ImageCopyBuffer{
				Buffer: s.buf,
				Layout: wgpu.TextureDataLayout{
					Offset:       0,
					BytesPerRow:  s.pitch,
					RowsPerImage: s.desc.Height,
				},
			},
			&wgpu.Extent3D{
				Width:              s.desc.Width,
				Height:             s.desc.Height,
				DepthOrArrayLayers: 1,
			},
		)
	case backend.KindBuffer:
		buf, ok := src.(*wgpu.Buffer)
		if !ok || buf == nil {
			return fmt.Errorf("%w: %T is not *wgpu.Buffer", backend.ErrInvalidHandle, src)
		}
		encoder.CopyBufferToBuffer(buf, 0, s.buf, 0, s.alloc)
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish encoding: %w", err)
	}
	b.queue.Submit(cmd)
	cmd.Release()

	s.pending = true
	s.mapStatus = 0
	err = s.buf.MapAsync(wgpu.MapModeRead, 0, s.alloc, func(status wgpu.BufferMapAsyncStatus) {
		// Invoked from device.Poll on the polling thread.
		s.mapStatus = status
		s.mapped = true
	})
	if err != nil {
		s.pending = false
		return fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	return nil
}

// PollReady pumps the device without waiting and reports whether the map
// callback has fired.
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

	b.device.Poll(false, nil)
	if !s.mapped {
		return false, nil
	}
	s.pending = false
	if s.mapStatus != wgpu.BufferMapAsyncStatusSuccess {
		s.mapped = false
		if s.mapStatus == wgpu.BufferMapAsyncStatusDeviceLost {
			b.lost = true
			b.logger.Error("webgpu: device lost during map")
			return false, backend.ErrDeviceLost
		}
		return false, fmt.Errorf("%w: status %v", ErrMapFailed, s.mapStatus)
	}
	return true, nil
}

// ReadStaging copies the mapped bytes into dst and unmaps the buffer.
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
	if s.pending || !s.mapped {
		return backend.ErrCopyPending
	}

	data := s.buf.GetMappedRange(0, uint(s.alloc))
	if data == nil {
		return fmt.Errorf("%w: no mapped range", ErrMapFailed)
	}
	if s.desc.Kind == backend.KindTexture {
		backend.StripRowPadding(dst, data, s.desc.RowBytes(), s.pitch, s.desc.Height)
	} else {
		copy(dst, data[:size])
	}
	s.buf.Unmap()
	s.mapped = false
	return nil
}

// Close releases every staging buffer, and the device when Open created it.
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

	if b.instance != nil {
		b.queue.Release()
		b.device.Release()
		b.adapter.Release()
		b.instance.Release()
	}
}

func (b *Backend) own(st backend.Staging) (*staging, error) {
	s, ok := st.(*staging)
	if !ok || s == nil || s.owner != b {
		return nil, fmt.Errorf("%w: %T", backend.ErrInvalidStaging, st)
	}
	return s, nil
}

func (b *Backend) destroyLocked(s *staging) {
	if s.destroyed {
		return
	}
	if s.mapped {
		s.buf.Unmap()
	}
	s.buf.Destroy()
	s.buf.Release()
	s.destroyed = true
	s.pending = false
	s.mapped = false
}

func (b *Backend) usableLocked() error {
	if b.lost || b.closed {
		return backend.ErrDeviceLost
	}
	return nil
}
