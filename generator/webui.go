package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftguard/logging"
	"driftguard/raster"
	"driftguard/retry"
	"driftguard/types"
)

const img2imgPath = "/sdapi/v1/img2img"

// WebUIOptions configures a WebUIClient
type WebUIOptions struct {
	// BaseURL of the web UI, e.g. http://127.0.0.1:7860
	BaseURL string
	// Timeout per request; 0 leaves it to the caller's context
	Timeout time.Duration
	// Sampler is sent as sampler_name when set
	Sampler  string
	Username string
	Password string
	// Registry resolves init images given by URI; defaults to the stock loaders
	Registry *raster.Registry
	// HTTPClient overrides the client built from Timeout
	HTTPClient *http.Client
}

// WebUIClient calls a Stable Diffusion web UI img2img endpoint
type WebUIClient struct {
	endpoint string
	options  WebUIOptions
	client   *http.Client
	registry *raster.Registry
}

// NewWebUIClient validates the base URL and builds a client
func NewWebUIClient(opts WebUIOptions) (*WebUIClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &types.ValidationError{Field: "generator.url", Reason: fmt.Sprintf("invalid base URL %q", opts.BaseURL)}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	registry := opts.Registry
	if registry == nil {
		registry = raster.NewDefaultRegistry(raster.RegistryOptions{})
	}
	return &WebUIClient{
		endpoint: base.String() + img2imgPath,
		options:  opts,
		client:   client,
		registry: registry,
	}, nil
}

type img2imgRequest struct {
	InitImages        []string `json:"init_images"`
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength"`
	Seed              uint64   `json:"seed"`
	CFGScale          float64  `json:"cfg_scale,omitempty"`
	Steps             int      `json:"steps,omitempty"`
	Width             int      `json:"width,omitempty"`
	Height            int      `json:"height,omitempty"`
	SamplerName       string   `json:"sampler_name,omitempty"`
	BatchSize         int      `json:"batch_size"`
	NIter             int      `json:"n_iter"`
}

type img2imgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

// Generate sends one img2img request and returns the first image
func (c *WebUIClient) Generate(ctx context.Context, req retry.GenerateRequest) (raster.Ref, error) {
	initPNG, err := initImagePNG(ctx, c.registry, req.InitImage)
	if err != nil {
		return raster.Ref{}, err
	}

	payload, err := json.Marshal(img2imgRequest{
		InitImages:        []string{base64.StdEncoding.EncodeToString(initPNG)},
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		DenoisingStrength: req.Strength,
		Seed:              req.Seed,
		CFGScale:          req.GuidanceScale,
		Steps:             req.Steps,
		Width:             req.Width,
		Height:            req.Height,
		SamplerName:       c.options.Sampler,
		BatchSize:         1,
		NIter:             1,
	})
	if err != nil {
		return raster.Ref{}, &types.GenerationFailure{Cause: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return raster.Ref{}, &types.GenerationFailure{Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.options.Username != "" {
		httpReq.SetBasicAuth(c.options.Username, c.options.Password)
	}

	logging.DebugLog("POST %s strength=%.3f seed=%d size=%dx%d", c.endpoint, req.Strength, req.Seed, req.Width, req.Height)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return raster.Ref{}, transportFailure(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return raster.Ref{}, transportFailure(err)
	}
	if resp.StatusCode != http.StatusOK {
		return raster.Ref{}, statusFailure(resp.StatusCode, resp.Header, string(body))
	}

	var out img2imgResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return raster.Ref{}, &types.GenerationFailure{Transient: true, StatusCode: resp.StatusCode, Cause: fmt.Errorf("malformed response: %w", err)}
	}
	if len(out.Images) == 0 || out.Images[0] == "" {
		return raster.Ref{}, &types.GenerationFailure{Transient: true, StatusCode: resp.StatusCode, Cause: fmt.Errorf("response carried no images")}
	}

	data, err := decodeBase64Image(out.Images[0])
	if err != nil {
		return raster.Ref{}, &types.GenerationFailure{Transient: true, StatusCode: resp.StatusCode, Cause: err}
	}
	return raster.Ref{Data: data}, nil
}

// Name identifies the backend in metrics
func (c *WebUIClient) Name() string { return BackendWebUI }

// decodeBase64Image accepts bare base64 or a data URI
func decodeBase64Image(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return data, nil
}
