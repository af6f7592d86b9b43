package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"driftguard/logging"
	"driftguard/raster"
	"driftguard/retry"
	"driftguard/types"
)

// DefaultAPIKeyEnv names the environment variable holding the OpenAI key
const DefaultAPIKeyEnv = "OPENAI_API_KEY"

// OpenAIOptions configures the OpenAI adapters
type OpenAIOptions struct {
	APIKey string
	// APIKeyEnv is read when APIKey is empty. Default: OPENAI_API_KEY
	APIKeyEnv string
	// BaseURL overrides the API endpoint, e.g. for a compatible proxy
	BaseURL string
	// Model for image edits. Default: dall-e-2
	Model string
	// Size of the edited image, e.g. 1024x1024. Default: 1024x1024
	Size string
	// ChatModel expands prompts. Default: gpt-4o-mini
	ChatModel  string
	HTTPClient *http.Client
	Registry   *raster.Registry
}

func newOpenAIClient(opts OpenAIOptions) (*openai.Client, error) {
	key := opts.APIKey
	if key == "" {
		env := opts.APIKeyEnv
		if env == "" {
			env = DefaultAPIKeyEnv
		}
		key = strings.TrimSpace(os.Getenv(env))
	}
	if key == "" {
		return nil, &types.ValidationError{Field: "generator.api_key", Reason: "no API key configured"}
	}

	config := openai.DefaultConfig(key)
	if opts.BaseURL != "" {
		config.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		config.HTTPClient = opts.HTTPClient
	}
	return openai.NewClientWithConfig(config), nil
}

// OpenAIEditor edits the init image through the OpenAI image edit endpoint.
// The endpoint has no strength or seed parameter, so those only shape the prompt
// history; quality control relies on the validator.
type OpenAIEditor struct {
	client   *openai.Client
	model    string
	size     string
	registry *raster.Registry
}

// NewOpenAIEditor builds an editor; the API key must be set or present in the environment
func NewOpenAIEditor(opts OpenAIOptions) (*OpenAIEditor, error) {
	client, err := newOpenAIClient(opts)
	if err != nil {
		return nil, err
	}
	e := &OpenAIEditor{
		client:   client,
		model:    opts.Model,
		size:     opts.Size,
		registry: opts.Registry,
	}
	if e.model == "" {
		e.model = openai.CreateImageModelDallE2
	}
	if e.size == "" {
		e.size = openai.CreateImageSize1024x1024
	}
	if e.registry == nil {
		e.registry = raster.NewDefaultRegistry(raster.RegistryOptions{})
	}
	return e, nil
}

// namedReader gives the multipart upload a file name
type namedReader struct {
	*bytes.Reader
	name string
}

func (r namedReader) Name() string { return r.name }

// Generate requests one edit and returns the decoded image bytes, or the
// hosted URL when the API answers with one
func (e *OpenAIEditor) Generate(ctx context.Context, req retry.GenerateRequest) (raster.Ref, error) {
	initPNG, err := initImagePNG(ctx, e.registry, req.InitImage)
	if err != nil {
		return raster.Ref{}, err
	}
	logging.DebugLog("OpenAI edit ignores strength=%.3f seed=%d", req.Strength, req.Seed)

	editReq := openai.ImageEditRequest{
		Image:  namedReader{Reader: bytes.NewReader(initPNG), name: "baseline.png"},
		Prompt: req.Prompt,
		Model:  e.model,
		N:      1,
		Size:   e.size,
	}
	if e.model == openai.CreateImageModelDallE2 {
		editReq.ResponseFormat = openai.CreateImageResponseFormatB64JSON
	}

	resp, err := e.client.CreateEditImage(ctx, editReq)
	if err != nil {
		return raster.Ref{}, openAIFailure(err)
	}
	if len(resp.Data) == 0 {
		return raster.Ref{}, &types.GenerationFailure{Transient: true, Cause: errors.New("response carried no images")}
	}

	item := resp.Data[0]
	switch {
	case item.B64JSON != "":
		data, err := decodeBase64Image(item.B64JSON)
		if err != nil {
			return raster.Ref{}, &types.GenerationFailure{Transient: true, Cause: err}
		}
		return raster.Ref{Data: data}, nil
	case item.URL != "":
		return raster.Ref{URI: item.URL}, nil
	}
	return raster.Ref{}, &types.GenerationFailure{Transient: true, Cause: errors.New("image entry had neither data nor URL")}
}

// Name identifies the backend in metrics
func (e *OpenAIEditor) Name() string { return BackendOpenAI }

// openAIFailure maps client errors onto the failure taxonomy
func openAIFailure(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == "insufficient_quota" || fmt.Sprint(apiErr.Code) == "insufficient_quota" {
			return &types.QuotaExceeded{Cause: err}
		}
		return statusFailure(apiErr.HTTPStatusCode, nil, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		detail := ""
		if reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return statusFailure(reqErr.HTTPStatusCode, nil, detail)
	}
	return transportFailure(err)
}

const expandSystemPrompt = "You rewrite edit requests for architectural drawing sheets. " +
	"Keep the requested change, and add explicit instructions to preserve linework, " +
	"camera, layout and every panel the request does not mention. Reply with the prompt only."

// ChatExpander rewrites edit prompts with a chat model
type ChatExpander struct {
	client *openai.Client
	model  string
}

// NewChatExpander builds a prompt expander sharing the OpenAI options
func NewChatExpander(opts OpenAIOptions) (*ChatExpander, error) {
	client, err := newOpenAIClient(opts)
	if err != nil {
		return nil, err
	}
	model := opts.ChatModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &ChatExpander{client: client, model: model}, nil
}

// Expand returns the rewritten prompt
func (x *ChatExpander) Expand(ctx context.Context, prompt string) (string, error) {
	resp, err := x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: x.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: expandSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("prompt expansion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("prompt expansion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
