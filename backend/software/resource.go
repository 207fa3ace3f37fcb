// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package software

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/readback/backend"
)

// Texture is a CPU-memory texture. Rows are tightly packed.
//
// Texture is safe for concurrent use.
type Texture struct {
	mu   sync.RWMutex
	desc backend.Desc
	data []byte
}

// NewTexture creates a zero-filled texture.
func NewTexture(width, height uint32, format gputypes.TextureFormat) (*Texture, error) {
	desc := backend.TextureDesc(width, height, format)
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Texture{desc: desc, data: make([]byte, desc.ByteSize())}, nil
}

// Desc returns the current layout of the texture.
func (t *Texture) Desc() backend.Desc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc
}

// Write replaces the texture contents. len(data) must equal the texture size.
func (t *Texture) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(data) != len(t.data) {
		return fmt.Errorf("%w: write %d bytes into %s", backend.ErrSizeMismatch, len(data), t.desc)
	}
	copy(t.data, data)
	return nil
}

// Resize reallocates the texture with new dimensions, zero-filled.
func (t *Texture) Resize(width, height uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	desc := backend.TextureDesc(width, height, t.desc.Format)
	if err := desc.Validate(); err != nil {
		return err
	}
	t.desc = desc
	t.data = make([]byte, desc.ByteSize())
	return nil
}

func (t *Texture) snapshot() (backend.Desc, []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc, append([]byte(nil), t.data...)
}

// Buffer is a CPU-memory structured buffer.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu   sync.RWMutex
	desc backend.Desc
	data []byte
}

// NewBuffer creates a zero-filled buffer of count elements of stride bytes.
func NewBuffer(stride, count uint32) (*Buffer, error) {
	desc := backend.BufferDesc(stride, count)
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{desc: desc, data: make([]byte, desc.ByteSize())}, nil
}

// Desc returns the current layout of the buffer.
func (b *Buffer) Desc() backend.Desc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc
}

// Write replaces the buffer contents. len(data) must equal the buffer size.
func (b *Buffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(data) != len(b.data) {
		return fmt.Errorf("%w: write %d bytes into %s", backend.ErrSizeMismatch, len(data), b.desc)
	}
	copy(b.data, data)
	return nil
}

func (b *Buffer) snapshot() (backend.Desc, []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc, append([]byte(nil), b.data...)
}
