package raster

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/barasher/go-exiftool"

	"driftguard/logging"
)

// EXIFOrienter reads the EXIF Orientation tag through a long-running exiftool process
type EXIFOrienter struct {
	et *exiftool.Exiftool
	mu sync.Mutex
}

// NewEXIFOrienter starts exiftool; it fails when the binary is not on PATH
func NewEXIFOrienter() (*EXIFOrienter, error) {
	if _, err := exec.LookPath("exiftool"); err != nil {
		return nil, fmt.Errorf("exiftool not available: %v", err)
	}
	et, err := exiftool.NewExiftool(exiftool.NoPrintConversion())
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %v", err)
	}
	return &EXIFOrienter{et: et}, nil
}

// Orientation returns the EXIF orientation (1-8), or 1 when absent
func (o *EXIFOrienter) Orientation(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	fileInfos := o.et.ExtractMetadata(path)
	if len(fileInfos) == 0 || fileInfos[0].Err != nil {
		return 1
	}
	v, err := fileInfos[0].GetInt("Orientation")
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return int(v)
}

// Close stops the exiftool process
func (o *EXIFOrienter) Close() error {
	if o == nil || o.et == nil {
		return nil
	}
	if err := o.et.Close(); err != nil {
		logging.LogWarning("Failed to close exiftool: %v", err)
		return err
	}
	return nil
}

// ApplyOrientation returns img transformed so that it displays upright
// for the given EXIF orientation value
func ApplyOrientation(img *RasterImage, orientation int) *RasterImage {
	if orientation < 2 || orientation > 8 || img.IsEmpty() {
		return img
	}

	w, h := img.width, img.height
	ow, oh := w, h
	if orientation >= 5 {
		ow, oh = h, w
	}

	pix := make([]byte, ow*oh*4)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			var sx, sy int
			switch orientation {
			case 2:
				sx, sy = w-1-x, y
			case 3:
				sx, sy = w-1-x, h-1-y
			case 4:
				sx, sy = x, h-1-y
			case 5:
				sx, sy = y, x
			case 6:
				sx, sy = y, h-1-x
			case 7:
				sx, sy = w-1-y, h-1-x
			case 8:
				sx, sy = w-1-y, x
			}
			si := (sy*w + sx) * 4
			di := (y*ow + x) * 4
			copy(pix[di:di+4], img.pix[si:si+4])
		}
	}
	return &RasterImage{width: ow, height: oh, pix: pix}
}
