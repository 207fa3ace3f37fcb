package main

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

var errNoImage = errors.New("format has no image representation")

// fillTexture returns deterministic contents for a texture: a gradient for
// 8-bit color formats, a byte pattern for everything else.
func fillTexture(width, height uint32, format gputypes.TextureFormat, bpp uint32, seed byte) []byte {
	data := make([]byte, int(width)*int(height)*int(bpp))
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		for y := uint32(0); y < height; y++ {
			for x := uint32(0); x < width; x++ {
				i := (int(y)*int(width) + int(x)) * 4
				data[i+0] = byte(x * 255 / max(width-1, 1))
				data[i+1] = byte(y * 255 / max(height-1, 1))
				data[i+2] = seed * 40
				data[i+3] = 255
			}
		}
	default:
		for i := range data {
			data[i] = byte(i*13) ^ seed
		}
	}
	return data
}

// toImage wraps tightly packed texture rows in an image.Image.
func toImage(width, height uint32, format gputypes.TextureFormat, data []byte) (image.Image, error) {
	rect := image.Rect(0, 0, int(width), int(height))
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
		img := image.NewNRGBA(rect)
		copy(img.Pix, data)
		return img, nil
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		img := image.NewNRGBA(rect)
		for i := 0; i+3 < len(data) && i+3 < len(img.Pix); i += 4 {
			img.Pix[i+0] = data[i+2]
			img.Pix[i+1] = data[i+1]
			img.Pix[i+2] = data[i+0]
			img.Pix[i+3] = data[i+3]
		}
		return img, nil
	case gputypes.TextureFormatR8Unorm:
		img := image.NewGray(rect)
		copy(img.Pix, data)
		return img, nil
	default:
		return nil, fmt.Errorf("%w: %s", errNoImage, formatName(format))
	}
}

// writeImage encodes a retrieved texture as BMP or TIFF, chosen by the
// file extension.
func writeImage(path string, width, height uint32, format gputypes.TextureFormat, data []byte) error {
	img, err := toImage(width, height, format, data)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		err = bmp.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
