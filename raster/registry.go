package raster

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"driftguard/logging"
)

// Ref points at an image: either inline bytes or a URI (path, http(s) URL or data URI)
type Ref struct {
	URI  string `json:"uri,omitempty"`
	Data []byte `json:"-"`
}

// IsZero reports whether the reference points at nothing
func (r Ref) IsZero() bool {
	return r.URI == "" && len(r.Data) == 0
}

// String describes the reference for logs without dumping payloads
func (r Ref) String() string {
	switch {
	case len(r.Data) > 0:
		return fmt.Sprintf("<%d bytes>", len(r.Data))
	case len(r.URI) > 64:
		return r.URI[:61] + "..."
	default:
		return r.URI
	}
}

// Loader turns a URI into a RasterImage
type Loader interface {
	CanLoad(uri string) bool
	Load(ctx context.Context, uri string) (*RasterImage, error)
}

// Registry picks the first registered loader that accepts a reference
type Registry struct {
	loaders []Loader
	mutex   sync.RWMutex
}

// RegistryOptions configures NewDefaultRegistry
type RegistryOptions struct {
	// ProxyPrefix is prepended to escaped http(s) URLs, e.g. "https://proxy.local/fetch?url="
	ProxyPrefix string
	HTTPTimeout time.Duration
	MaxBytes    int64
	// Orienter applies EXIF orientation to file images when non-nil
	Orienter *EXIFOrienter
}

// NewRegistry creates a registry with the given loaders
func NewRegistry(loaders ...Loader) *Registry {
	return &Registry{loaders: loaders}
}

// NewDefaultRegistry registers the data URI, http and file loaders
func NewDefaultRegistry(opts RegistryOptions) *Registry {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	registry := NewRegistry()
	registry.Register(&DataURILoader{})
	registry.Register(&HTTPLoader{
		Client:      &http.Client{Timeout: timeout},
		ProxyPrefix: opts.ProxyPrefix,
		MaxBytes:    opts.MaxBytes,
	})
	registry.Register(&FileLoader{Orienter: opts.Orienter})
	return registry
}

// Register appends a loader; earlier loaders win
func (r *Registry) Register(loader Loader) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.loaders = append(r.loaders, loader)
}

// GetLoader returns the loader for uri, or nil
func (r *Registry) GetLoader(uri string) Loader {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, loader := range r.loaders {
		if loader.CanLoad(uri) {
			return loader
		}
	}
	return nil
}

// CanLoad checks if any registered loader can handle the reference
func (r *Registry) CanLoad(uri string) bool {
	return r.GetLoader(uri) != nil
}

// Resolve decodes a reference into a RasterImage
func (r *Registry) Resolve(ctx context.Context, ref Ref) (*RasterImage, error) {
	if len(ref.Data) > 0 {
		return Decode(ref.Data)
	}
	if ref.URI == "" {
		return nil, fmt.Errorf("empty reference: %w", ErrUnsupported)
	}

	loader := r.GetLoader(ref.URI)
	if loader == nil {
		return nil, fmt.Errorf("%s: %w", ref, ErrUnsupported)
	}

	img, err := loader.Load(ctx, ref.URI)
	if err != nil {
		return nil, err
	}
	logging.DebugLog("Loaded %s (%dx%d)", ref, img.Width(), img.Height())
	return img, nil
}
