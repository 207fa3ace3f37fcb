// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package software provides a readback backend over plain CPU memory.
//
// Textures and buffers are byte slices owned by the caller. A copy snapshots
// the source at ScheduleCopy time, exactly as a GPU copy captures the
// resource at its submission point, and becomes ready after a configurable
// number of polls. This makes the backend a faithful stand-in for a real
// device in tests and in hosts without a GPU.
package software

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/readback/backend"
)

// init registers the software backend on package import.
func init() {
	backend.Register(backend.BackendSoftware, func(gpucontext.DeviceProvider) (backend.Backend, error) {
		return New(), nil
	})
}

// Option configures a Backend.
type Option func(*Backend)

// WithLatency makes every copy report not-ready for the given number of
// polls before completing. Zero completes on the first poll.
func WithLatency(polls int) Option {
	return func(b *Backend) {
		if polls > 0 {
			b.latency = polls
		}
	}
}

// Backend is the CPU-memory backend.
//
// Backend is safe for concurrent use.
type Backend struct {
	mu      sync.Mutex
	latency int
	lost    bool
	closed  bool
	live    map[*staging]struct{}
	logger  *slog.Logger
}

// New creates a software backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		live:   make(map[*staging]struct{}),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// staging is the software Staging implementation.
type staging struct {
	owner     *Backend
	desc      backend.Desc
	data      []byte
	pending   bool
	remaining int
	destroyed bool
}

func (s *staging) Desc() backend.Desc { return s.desc }
func (s *staging) Size() uint64       { return uint64(len(s.data)) }

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return backend.BackendSoftware
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

// Lose simulates device loss. Every later device operation fails with
// backend.ErrDeviceLost.
func (b *Backend) Lose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost = true
	b.logger.Error("software: device lost")
}

// Live returns the number of staging resources not yet destroyed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Supports reports whether desc describes a readable resource.
func (b *Backend) Supports(desc backend.Desc) error {
	return desc.Validate()
}

// CreateStaging allocates a CPU copy target for desc.
func (b *Backend) CreateStaging(desc backend.Desc) (backend.Staging, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return nil, err
	}

	s := &staging{
		owner: b,
		desc:  desc,
		data:  make([]byte, desc.ByteSize()),
	}
	b.live[s] = struct{}{}
	b.logger.Debug("software: staging created", "desc", desc.String(), "bytes", len(s.data))
	return s, nil
}

// DestroyStaging releases a staging resource.
func (b *Backend) DestroyStaging(st backend.Staging) {
	s, ok := st.(*staging)
	if !ok || s == nil || s.owner != b {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.pending = false
	s.data = nil
	delete(b.live, s)
}

// ScheduleCopy snapshots src (a *Texture or *Buffer) into the staging resource.
func (b *Backend) ScheduleCopy(src any, st backend.Staging) error {
	s, err := b.own(st)
	if err != nil {
		return err
	}

	var data []byte
	var desc backend.Desc
	switch r := src.(type) {
	case *Texture:
		if r == nil {
			return backend.ErrInvalidHandle
		}
		desc, data = r.snapshot()
	case *Buffer:
		if r == nil {
			return backend.ErrInvalidHandle
		}
		desc, data = r.snapshot()
	default:
		return fmt.Errorf("%w: %T", backend.ErrInvalidHandle, src)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if s.destroyed {
		return backend.ErrInvalidStaging
	}
	if desc.Kind != s.desc.Kind || uint64(len(data)) != uint64(len(s.data)) {
		return fmt.Errorf("%w: source %s, staging %s", backend.ErrSizeMismatch, desc, s.desc)
	}

	copy(s.data, data)
	s.pending = true
	s.remaining = b.latency
	return nil
}

// PollReady reports whether the last copy into the staging resource completed.
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
	if s.remaining > 0 {
		s.remaining--
		return false, nil
	}
	s.pending = false
	return true, nil
}

// ReadStaging copies the staged bytes into dst.
func (b *Backend) ReadStaging(st backend.Staging, dst []byte) error {
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
	if len(dst) < len(s.data) {
		return fmt.Errorf("%w: dst %d bytes, staged %d bytes", backend.ErrSizeMismatch, len(dst), len(s.data))
	}
	copy(dst, s.data)
	return nil
}

// Close destroys every live staging resource.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.live {
		s.destroyed = true
		s.data = nil
	}
	b.live = make(map[*staging]struct{})
	b.closed = true
}

func (b *Backend) own(st backend.Staging) (*staging, error) {
	s, ok := st.(*staging)
	if !ok || s == nil || s.owner != b {
		return nil, fmt.Errorf("%w: %T", backend.ErrInvalidStaging, st)
	}
	return s, nil
}

// usableLocked returns the fatal error state. Caller must hold mu.
func (b *Backend) usableLocked() error {
	if b.lost {
		return backend.ErrDeviceLost
	}
	if b.closed {
		return backend.ErrDeviceLost
	}
	return nil
}
