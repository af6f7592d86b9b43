package generator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftguard/raster"
	"driftguard/raster/rastertest"
	"driftguard/retry"
	"driftguard/types"
)

func pngRef(t *testing.T, img *raster.RasterImage) raster.Ref {
	t.Helper()
	data, err := img.EncodePNG()
	require.NoError(t, err)
	return raster.Ref{Data: data}
}

func sampleRequest(t *testing.T) retry.GenerateRequest {
	return retry.GenerateRequest{
		Prompt:         "add a pergola",
		NegativePrompt: "blurry",
		Seed:           77,
		Width:          32,
		Height:         24,
		Steps:          20,
		GuidanceScale:  6.5,
		InitImage:      pngRef(t, rastertest.Sheet(32, 24)),
		Strength:       0.25,
	}
}

func TestWebUIGenerate(t *testing.T) {
	out, err := rastertest.Sheet(32, 24).EncodePNG()
	require.NoError(t, err)

	var got img2imgRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, img2imgPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sheet", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(img2imgResponse{Images: []string{base64.StdEncoding.EncodeToString(out)}})
	}))
	defer srv.Close()

	client, err := NewWebUIClient(WebUIOptions{BaseURL: srv.URL + "/", Username: "sheet", Password: "secret", Sampler: "Euler a"})
	require.NoError(t, err)

	ref, err := client.Generate(context.Background(), sampleRequest(t))
	require.NoError(t, err)
	assert.Equal(t, out, ref.Data)

	assert.Equal(t, "add a pergola", got.Prompt)
	assert.Equal(t, "blurry", got.NegativePrompt)
	assert.Equal(t, 0.25, got.DenoisingStrength)
	assert.Equal(t, uint64(77), got.Seed)
	assert.Equal(t, 6.5, got.CFGScale)
	assert.Equal(t, 20, got.Steps)
	assert.Equal(t, 32, got.Width)
	assert.Equal(t, "Euler a", got.SamplerName)
	require.Len(t, got.InitImages, 1)
	assert.NotEmpty(t, got.InitImages[0])
	assert.Equal(t, BackendWebUI, client.Name())
}

func TestWebUIFailureClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		quota     bool
		transient bool
	}{
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "12"}, quota: true},
		{name: "server error", status: 502, body: "bad gateway", transient: true},
		{name: "bad request", status: 422, body: `{"detail":"invalid sampler"}`, transient: false},
		{name: "malformed", status: 200, body: "{not json", transient: true},
		{name: "empty images", status: 200, body: `{"images":[]}`, transient: true},
		{name: "bad base64", status: 200, body: `{"images":["!!!"]}`, transient: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			client, err := NewWebUIClient(WebUIOptions{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = client.Generate(context.Background(), sampleRequest(t))
			require.Error(t, err)

			if tc.quota {
				var quota *types.QuotaExceeded
				require.True(t, errors.As(err, &quota))
				assert.Equal(t, 12*time.Second, quota.RetryAfter)
				return
			}
			var failure *types.GenerationFailure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tc.transient, failure.Transient)
			if tc.status != 200 {
				assert.Equal(t, tc.status, failure.StatusCode)
			}
		})
	}
}

func TestWebUINetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewWebUIClient(WebUIOptions{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), sampleRequest(t))

	var failure *types.GenerationFailure
	require.True(t, errors.As(err, &failure))
	assert.True(t, failure.Transient)
}

func TestWebUIRejectsMissingInitImage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	client, err := NewWebUIClient(WebUIOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	req := sampleRequest(t)
	req.InitImage = raster.Ref{}

	_, err = client.Generate(context.Background(), req)
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Zero(t, calls.Load())
}

func TestNewWebUIClientValidatesURL(t *testing.T) {
	_, err := NewWebUIClient(WebUIOptions{BaseURL: "localhost:7860"})
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}
	assert.Zero(t, retryAfter(h, now))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, retryAfter(h, now))

	h.Set("Retry-After", now.Add(2*time.Minute).Format(http.TimeFormat))
	assert.Equal(t, 2*time.Minute, retryAfter(h, now))

	h.Set("Retry-After", "soon")
	assert.Zero(t, retryAfter(h, now))
}

func openAIServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, OpenAIOptions) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL + "/v1"}
}

func TestOpenAIEditorGenerate(t *testing.T) {
	out, err := rastertest.Sheet(16, 16).EncodePNG()
	require.NoError(t, err)

	_, opts := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/edits", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(8<<20))
		assert.Equal(t, "add a pergola", r.FormValue("prompt"))
		_, _, err := r.FormFile("image")
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"created":1,"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(out))
	})

	editor, err := NewOpenAIEditor(opts)
	require.NoError(t, err)
	ref, err := editor.Generate(context.Background(), sampleRequest(t))
	require.NoError(t, err)
	assert.Equal(t, out, ref.Data)
	assert.Equal(t, BackendOpenAI, editor.Name())
}

func TestOpenAIEditorReturnsHostedURL(t *testing.T) {
	_, opts := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"url":"https://images.example.com/edit.png"}]}`)
	})
	opts.Model = "gpt-image-1"

	editor, err := NewOpenAIEditor(opts)
	require.NoError(t, err)
	ref, err := editor.Generate(context.Background(), sampleRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "https://images.example.com/edit.png", ref.URI)
}

func TestOpenAIEditorFailureClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		quota     bool
		transient bool
	}{
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow down","type":"requests"}}`, quota: true},
		{name: "billing", status: 400, body: `{"error":{"message":"quota","type":"insufficient_quota","code":"insufficient_quota"}}`, quota: true},
		{name: "server error", status: 500, body: `{"error":{"message":"oops","type":"server_error"}}`, transient: true},
		{name: "bad gateway html", status: 502, body: `<html>bad gateway</html>`, transient: true},
		{name: "invalid image", status: 400, body: `{"error":{"message":"invalid image","type":"invalid_request_error"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, opts := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			editor, err := NewOpenAIEditor(opts)
			require.NoError(t, err)

			_, err = editor.Generate(context.Background(), sampleRequest(t))
			require.Error(t, err)
			if tc.quota {
				var quota *types.QuotaExceeded
				assert.True(t, errors.As(err, &quota), err.Error())
				return
			}
			var failure *types.GenerationFailure
			require.True(t, errors.As(err, &failure), err.Error())
			assert.Equal(t, tc.transient, failure.Transient)
			assert.Equal(t, tc.status, failure.StatusCode)
		})
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	t.Setenv("DRIFTGUARD_TEST_EMPTY_KEY", "")
	_, err := NewOpenAIEditor(OpenAIOptions{APIKeyEnv: "DRIFTGUARD_TEST_EMPTY_KEY"})
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr))

	t.Setenv("DRIFTGUARD_TEST_KEY", "from-env")
	_, err = NewChatExpander(OpenAIOptions{APIKeyEnv: "DRIFTGUARD_TEST_KEY"})
	assert.NoError(t, err)
}

func TestChatExpander(t *testing.T) {
	_, opts := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.True(t, strings.Contains(string(body), "add a pergola"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  add a pergola, keep the plan unchanged "},"finish_reason":"stop"}]}`)
	})

	expander, err := NewChatExpander(opts)
	require.NoError(t, err)
	got, err := expander.Expand(context.Background(), "add a pergola")
	require.NoError(t, err)
	assert.Equal(t, "add a pergola, keep the plan unchanged", got)
}

func TestGeneratorsSatisfyInterfaces(t *testing.T) {
	var _ retry.Generator = (*WebUIClient)(nil)
	var _ retry.Generator = (*OpenAIEditor)(nil)
	var _ retry.PromptExpander = (*ChatExpander)(nil)
}
