package raster

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"driftguard/logging"
)

const defaultMaxBytes = 64 << 20

// Decode decodes encoded image bytes in any registered format
func Decode(data []byte) (*RasterImage, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	r := FromImage(img)
	if r.IsEmpty() {
		return nil, fmt.Errorf("decoded %s: %w", format, ErrEmptyImage)
	}
	return r, nil
}

// FileLoader reads images from the local filesystem
type FileLoader struct {
	Orienter *EXIFOrienter
}

// CanLoad accepts plain paths and file:// URIs with a known image extension
func (l *FileLoader) CanLoad(uri string) bool {
	path := strings.TrimPrefix(uri, "file://")
	if strings.Contains(path, "://") || strings.HasPrefix(path, "data:") {
		return false
	}
	return IsImageFile(path)
}

// Load reads and decodes the file, applying EXIF orientation when configured
func (l *FileLoader) Load(ctx context.Context, uri string) (*RasterImage, error) {
	path := strings.TrimPrefix(uri, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if l.Orienter != nil && HasEXIF(path) {
		if o := l.Orienter.Orientation(path); o > 1 {
			logging.DebugLog("Applying EXIF orientation %d to %s", o, path)
			img = ApplyOrientation(img, o)
		}
	}
	return img, nil
}

// HTTPLoader fetches images over http(s), optionally through a proxy
// for hosts that do not allow direct cross-origin reads
type HTTPLoader struct {
	Client      *http.Client
	ProxyPrefix string
	MaxBytes    int64
}

// CanLoad accepts http and https URLs
func (l *HTTPLoader) CanLoad(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// Load downloads and decodes the image
func (l *HTTPLoader) Load(ctx context.Context, uri string) (*RasterImage, error) {
	target := uri
	if l.ProxyPrefix != "" {
		target = l.ProxyPrefix + url.QueryEscape(uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", uri, err)
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", uri, resp.StatusCode)
	}

	limit := l.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("image at %s exceeds %d bytes", uri, limit)
	}
	return Decode(data)
}

// DataURILoader decodes data:image/...;base64, URIs returned by generators
type DataURILoader struct{}

// CanLoad accepts data URIs
func (l *DataURILoader) CanLoad(uri string) bool {
	return strings.HasPrefix(uri, "data:")
}

// Load decodes the inline payload
func (l *DataURILoader) Load(ctx context.Context, uri string) (*RasterImage, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URI")
	}

	var data []byte
	if strings.HasSuffix(header, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("malformed base64 payload: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("malformed data URI payload: %w", err)
		}
		data = []byte(unescaped)
	}
	return Decode(data)
}
