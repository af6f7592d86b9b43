// Package generator adapts image generation backends to retry.Generator.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"driftguard/raster"
	"driftguard/types"
)

// Backend names used in configuration and metrics
const (
	BackendWebUI  = "webui"
	BackendOpenAI = "openai"
)

// maxResponseBytes caps generator responses read into memory
const maxResponseBytes = 64 << 20

// statusFailure maps an HTTP status to the failure taxonomy: 429 is a quota
// stop, 5xx is worth retrying and every other 4xx is permanent.
func statusFailure(status int, header http.Header, detail string) error {
	cause := fmt.Errorf("status %d: %s", status, truncate(detail, 200))
	switch {
	case status == http.StatusTooManyRequests:
		return &types.QuotaExceeded{RetryAfter: retryAfter(header, time.Now()), Cause: cause}
	case status >= 500:
		return &types.GenerationFailure{Transient: true, StatusCode: status, Cause: cause}
	default:
		return &types.GenerationFailure{Transient: false, StatusCode: status, Cause: cause}
	}
}

// transportFailure wraps network errors, timeouts included, as transient
func transportFailure(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &types.GenerationFailure{Transient: true, Cause: err}
	}
	return &types.GenerationFailure{Transient: true, Cause: fmt.Errorf("request failed: %w", err)}
}

// retryAfter parses Retry-After as seconds or an HTTP date
func retryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// initImagePNG returns the init image as PNG bytes, loading URIs through the registry
func initImagePNG(ctx context.Context, registry *raster.Registry, ref raster.Ref) ([]byte, error) {
	if ref.IsZero() {
		return nil, &types.ValidationError{Field: "init_image", Reason: "missing"}
	}
	img, err := registry.Resolve(ctx, ref)
	if err != nil {
		return nil, &types.ValidationError{Field: "init_image", Reason: err.Error()}
	}
	return img.EncodePNG()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
