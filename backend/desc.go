// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Kind identifies the type of a GPU resource.
type Kind uint8

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota

	// KindTexture is a 2D texture.
	KindTexture

	// KindBuffer is a structured (compute) buffer.
	KindBuffer
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Desc describes the byte layout of a source resource at a point in time.
type Desc struct {
	// Kind selects which of the fields below are meaningful.
	Kind Kind

	// Width and Height are the texture dimensions in texels.
	Width  uint32
	Height uint32

	// Format is the texture format.
	Format gputypes.TextureFormat

	// Stride is the byte size of one buffer element.
	Stride uint32

	// Count is the number of buffer elements.
	Count uint32
}

// TextureDesc returns a Desc for a width x height texture.
func TextureDesc(width, height uint32, format gputypes.TextureFormat) Desc {
	return Desc{Kind: KindTexture, Width: width, Height: height, Format: format}
}

// BufferDesc returns a Desc for a buffer of count elements of stride bytes.
func BufferDesc(stride, count uint32) Desc {
	return Desc{Kind: KindBuffer, Stride: stride, Count: count}
}

// Validate checks that the description is complete and its format known.
func (d Desc) Validate() error {
	switch d.Kind {
	case KindTexture:
		if d.Width == 0 || d.Height == 0 {
			return fmt.Errorf("%w: texture %dx%d", ErrInvalidHandle, d.Width, d.Height)
		}
		if BytesPerPixel(d.Format) == 0 {
			return fmt.Errorf("%w: %v", ErrUnsupportedFormat, d.Format)
		}
	case KindBuffer:
		if d.Stride == 0 || d.Count == 0 {
			return fmt.Errorf("%w: buffer stride %d count %d", ErrInvalidHandle, d.Stride, d.Count)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, d.Kind)
	}
	return nil
}

// RowBytes returns the tightly packed byte size of one texture row.
// It is zero for buffers and unknown formats.
func (d Desc) RowBytes() uint32 {
	if d.Kind != KindTexture {
		return 0
	}
	return d.Width * BytesPerPixel(d.Format)
}

// ByteSize returns the tightly packed byte size of the resource contents.
// It is zero for invalid descriptions.
func (d Desc) ByteSize() uint64 {
	switch d.Kind {
	case KindTexture:
		return uint64(d.RowBytes()) * uint64(d.Height)
	case KindBuffer:
		return uint64(d.Stride) * uint64(d.Count)
	default:
		return 0
	}
}

// String returns a compact description.
func (d Desc) String() string {
	switch d.Kind {
	case KindTexture:
		return fmt.Sprintf("texture[%dx%d %v]", d.Width, d.Height, d.Format)
	case KindBuffer:
		return fmt.Sprintf("buffer[%d x %d bytes]", d.Count, d.Stride)
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the texel size of a readable format, or 0 when the
// format cannot be read back.
func BytesPerPixel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatRGBA32Float,
		gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return 16
	case gputypes.TextureFormatRG32Float,
		gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatR32Float,
		gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint,
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm,
		gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint,
		gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb:
		return 4
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 0
	}
}

// SupportedFormats lists every format BytesPerPixel accepts.
func SupportedFormats() []gputypes.TextureFormat {
	return []gputypes.TextureFormat{
		gputypes.TextureFormatRGBA32Float,
		gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint,
		gputypes.TextureFormatRG32Float,
		gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Float,
		gputypes.TextureFormatR32Float,
		gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint,
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm,
		gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint,
		gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatR8Unorm,
	}
}

// CopyPitchAlignment is the row alignment WebGPU, Vulkan and D3D12 require
// for texture-to-buffer copies.
const CopyPitchAlignment = 256

// AlignedRowBytes rounds rowBytes up to CopyPitchAlignment.
func AlignedRowBytes(rowBytes uint32) uint32 {
	return (rowBytes + CopyPitchAlignment - 1) &^ (CopyPitchAlignment - 1)
}

// StripRowPadding copies rows of rowBytes from a source with the given pitch
// into a tightly packed dst.
func StripRowPadding(dst, src []byte, rowBytes, pitch, rows uint32) {
	if rowBytes == pitch {
		copy(dst, src[:uint64(rowBytes)*uint64(rows)])
		return
	}
	for row := uint32(0); row < rows; row++ {
		srcOff := int(row) * int(pitch)
		dstOff := int(row) * int(rowBytes)
		copy(dst[dstOff:dstOff+int(rowBytes)], src[srcOff:srcOff+int(rowBytes)])
	}
}
