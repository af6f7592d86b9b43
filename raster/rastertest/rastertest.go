// Package rastertest builds synthetic images for tests.
package rastertest

import (
	"math"

	"driftguard/raster"
)

// Sheet renders a smooth, non-separable test pattern with one dark block, sampled at
// pixel centres in normalized coordinates so every size shows the same content
func Sheet(w, h int) *raster.RasterImage {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := (float64(x) + 0.5) / float64(w)
			v := (float64(y) + 0.5) / float64(h)
			r := 0.5 + 0.3*math.Sin(2*math.Pi*(1.3*u+0.4*v)+0.4)
			g := 0.5 + 0.3*math.Cos(2*math.Pi*(0.7*u-1.1*v)+1.1)
			b := 0.3 + 0.4*u*v
			if u > 0.2 && u < 0.55 && v > 0.3 && v < 0.8 {
				r -= 0.35
				g -= 0.35
				b -= 0.2
			}
			i := (y*w + x) * 4
			pix[i] = toByte(r)
			pix[i+1] = toByte(g)
			pix[i+2] = toByte(b)
			pix[i+3] = 255
		}
	}
	return mustNew(w, h, pix)
}

// Stripes renders vertical black and white stripes of the given period
func Stripes(w, h, period int) *raster.RasterImage {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			c := uint8(0)
			if (x/period)%2 == 0 {
				c = 255
			}
			pix[i], pix[i+1], pix[i+2], pix[i+3] = c, c, c, 255
		}
	}
	return mustNew(w, h, pix)
}

// Solid fills a w x h image with one colour
func Solid(w, h int, r, g, b uint8) *raster.RasterImage {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, 255
	}
	return mustNew(w, h, pix)
}

// Invert returns the colour-inverted image, alpha untouched
func Invert(img *raster.RasterImage) *raster.RasterImage {
	pix := img.Pixels()
	for i := 0; i < len(pix); i += 4 {
		pix[i] = 255 - pix[i]
		pix[i+1] = 255 - pix[i+1]
		pix[i+2] = 255 - pix[i+2]
	}
	return mustNew(img.Width(), img.Height(), pix)
}

// Paste returns dst with src copied in at (x0, y0), clipped to dst
func Paste(dst, src *raster.RasterImage, x0, y0 int) *raster.RasterImage {
	pix := dst.Pixels()
	w := dst.Width()
	for y := 0; y < src.Height(); y++ {
		for x := 0; x < src.Width(); x++ {
			dx, dy := x0+x, y0+y
			if dx < 0 || dy < 0 || dx >= w || dy >= dst.Height() {
				continue
			}
			r, g, b, a := src.RGBA(x, y)
			i := (dy*w + dx) * 4
			pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, a
		}
	}
	return mustNew(w, dst.Height(), pix)
}

// Nudge returns img with the bottom-right pixel's red channel changed by delta,
// giving a distinct content hash with practically identical similarity
func Nudge(img *raster.RasterImage, delta uint8) *raster.RasterImage {
	pix := img.Pixels()
	i := len(pix) - 4
	pix[i] += delta
	return mustNew(img.Width(), img.Height(), pix)
}

func toByte(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func mustNew(w, h int, pix []byte) *raster.RasterImage {
	img, err := raster.New(w, h, pix)
	if err != nil {
		panic(err)
	}
	return img
}
