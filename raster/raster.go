// Package raster holds the immutable RGBA pixel buffer every comparison works on,
// together with the loaders that turn image references into one.
package raster

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

var (
	// ErrEmptyImage is returned for zero-area buffers
	ErrEmptyImage = errors.New("image has zero area")
	// ErrOutOfBounds is returned when a crop rectangle leaves the image
	ErrOutOfBounds = errors.New("rectangle outside image bounds")
	// ErrUnsupported is returned when no loader accepts a reference
	ErrUnsupported = errors.New("unsupported image reference")
)

// RasterImage is an immutable RGBA image, row-major, 4 bytes per pixel.
// Every transform returns a new value.
type RasterImage struct {
	width  int
	height int
	pix    []byte
}

// New copies pix into a new RasterImage after checking its length
func New(width, height int, pix []byte) (*RasterImage, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("negative dimensions %dx%d", width, height)
	}
	if len(pix) != width*height*4 {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d for %dx%d", len(pix), width*height*4, width, height)
	}
	buf := make([]byte, len(pix))
	copy(buf, pix)
	return &RasterImage{width: width, height: height, pix: buf}, nil
}

// FromImage converts any decoded image into a RasterImage
func FromImage(img image.Image) *RasterImage {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &RasterImage{width: b.Dx(), height: b.Dy(), pix: dst.Pix}
}

// Width returns the image width in pixels
func (r *RasterImage) Width() int { return r.width }

// Height returns the image height in pixels
func (r *RasterImage) Height() int { return r.height }

// Bounds returns the image rectangle anchored at the origin
func (r *RasterImage) Bounds() image.Rectangle { return image.Rect(0, 0, r.width, r.height) }

// IsEmpty reports whether the image has zero area
func (r *RasterImage) IsEmpty() bool {
	return r == nil || r.width == 0 || r.height == 0
}

// Pixels returns a copy of the RGBA buffer
func (r *RasterImage) Pixels() []byte {
	buf := make([]byte, len(r.pix))
	copy(buf, r.pix)
	return buf
}

// RGBA returns the colour at (x, y)
func (r *RasterImage) RGBA(x, y int) (uint8, uint8, uint8, uint8) {
	i := (y*r.width + x) * 4
	return r.pix[i], r.pix[i+1], r.pix[i+2], r.pix[i+3]
}

// view wraps the buffer without copying; callers must only read from it
func (r *RasterImage) view() *image.NRGBA {
	return &image.NRGBA{Pix: r.pix, Stride: r.width * 4, Rect: r.Bounds()}
}

// ToImage returns a copy of the image as an *image.NRGBA
func (r *RasterImage) ToImage() *image.NRGBA {
	return &image.NRGBA{Pix: r.Pixels(), Stride: r.width * 4, Rect: r.Bounds()}
}

// Resize scales the image with a bilinear kernel, which filters when shrinking
func (r *RasterImage) Resize(width, height int) (*RasterImage, error) {
	if r.IsEmpty() {
		return nil, ErrEmptyImage
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	if width == r.width && height == r.height {
		return r, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), r.view(), r.Bounds(), draw.Src, nil)
	return &RasterImage{width: width, height: height, pix: dst.Pix}, nil
}

// Crop copies the given rectangle into a new image
func (r *RasterImage) Crop(rect image.Rectangle) (*RasterImage, error) {
	if r.IsEmpty() {
		return nil, ErrEmptyImage
	}
	if rect.Empty() {
		return nil, fmt.Errorf("crop %v: %w", rect, ErrEmptyImage)
	}
	if !rect.In(r.Bounds()) {
		return nil, fmt.Errorf("crop %v of %dx%d image: %w", rect, r.width, r.height, ErrOutOfBounds)
	}

	w, h := rect.Dx(), rect.Dy()
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		src := ((rect.Min.Y+y)*r.width + rect.Min.X) * 4
		copy(pix[y*w*4:(y+1)*w*4], r.pix[src:src+w*4])
	}
	return &RasterImage{width: w, height: h, pix: pix}, nil
}

// Luma returns the grayscale intensities in [0, 1] using
// 0.299R + 0.587G + 0.114B, row-major
func (r *RasterImage) Luma() []float64 {
	out := make([]float64, r.width*r.height)
	for i := range out {
		p := r.pix[i*4 : i*4+3]
		out[i] = (0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])) / 255.0
	}
	return out
}

// ContentHash returns a sha256 digest over the dimensions and pixels
func (r *RasterImage) ContentHash() string {
	h := sha256.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[:4], uint32(r.width))
	binary.BigEndian.PutUint32(dims[4:], uint32(r.height))
	h.Write(dims[:])
	h.Write(r.pix)
	return hex.EncodeToString(h.Sum(nil))
}

// EncodePNG encodes the image as PNG
func (r *RasterImage) EncodePNG() ([]byte, error) {
	if r.IsEmpty() {
		return nil, ErrEmptyImage
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.view()); err != nil {
		return nil, fmt.Errorf("failed to encode png: %v", err)
	}
	return buf.Bytes(), nil
}
