package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ollama-acp/pkg/telemetry"
)

const (
	pathChat     = "api/chat"
	pathGenerate = "api/generate"
	pathEmbed    = "api/embed"
	pathTags     = "api/tags"
	pathVersion  = "api/version"

	contentTypeJSON = "application/json"
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the native Ollama HTTP API. Every call is a single
// request with no retries.
type Client struct {
	client  osdk.Client
	baseURL string
	tracer  trace.Tracer
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		return nil, errors.New("ollama base url is required")
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithHeaderDel("authorization"),
		option.WithHeaderDel("OpenAI-Organization"),
		option.WithHeaderDel("OpenAI-Project"),
		option.WithMiddleware(acceptErrorDocuments),
	}
	if opts.RequestTimeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	return &Client{
		client:  osdk.NewClient(reqOpts...),
		baseURL: baseURL,
		tracer:  telemetry.Tracer("ollama-acp/ollama"),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat sends a non-streaming chat request. Messages are forwarded verbatim.
func (c *Client) Chat(ctx context.Context, params ChatParams) (ChatResult, error) {
	raw, err := c.post(ctx, "chat", pathChat, chatBody{
		Model:    params.Model,
		Messages: params.Messages,
		Stream:   false,
	}, "model", params.Model)
	if err != nil {
		return ChatResult{}, err
	}
	return normalizeChat(raw, params.Model)
}

// Generate sends a non-streaming completion request for a single prompt.
func (c *Client) Generate(ctx context.Context, params GenerateParams) (GenerateResult, error) {
	raw, err := c.post(ctx, "generate", pathGenerate, generateBody{
		Model:  params.Model,
		Prompt: params.Prompt,
		Stream: false,
	}, "model", params.Model, "prompt_length", len(params.Prompt))
	if err != nil {
		return GenerateResult{}, err
	}
	return normalizeGenerate(raw, params.Model)
}

// Embed requests embeddings for a single input text.
func (c *Client) Embed(ctx context.Context, params EmbedParams) (EmbedResult, error) {
	raw, err := c.post(ctx, "embed", pathEmbed, embedBody{
		Model: params.Model,
		Input: params.Input,
	}, "model", params.Model, "input_length", len(params.Input))
	if err != nil {
		return EmbedResult{}, err
	}
	return normalizeEmbed(raw, params.Model)
}

// ListModels returns the installed-model listing unchanged.
func (c *Client) ListModels(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.get(ctx, "list_models", pathTags)
	if err != nil {
		return nil, err
	}
	return passthroughDocument("list_models", raw)
}

// Version reports the server version and doubles as a reachability check,
// so an error document fails it.
func (c *Client) Version(ctx context.Context) (string, error) {
	raw, err := c.get(ctx, "version", pathVersion)
	if err != nil {
		return "", err
	}
	return normalizeVersion(raw)
}

func (c *Client) post(ctx context.Context, operation, path string, body any, attrs ...any) (raw []byte, err error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", operation, err)
	}

	ctx, span := c.startSpan(ctx, operation, path)
	defer func() { telemetry.End(span, err) }()

	log := providerLogger().With("operation", operation)
	startedAt := time.Now()
	log.Debug("provider request started", attrs...)

	err = c.client.Post(ctx, path, bytes.NewReader(payload), &raw,
		option.WithHeader("Content-Type", contentTypeJSON),
		option.WithHeader("Accept", contentTypeJSON),
	)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, fmt.Errorf("ollama %s request failed: %w", operation, err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_bytes", len(raw))

	return raw, nil
}

func (c *Client) get(ctx context.Context, operation, path string) (raw []byte, err error) {
	ctx, span := c.startSpan(ctx, operation, path)
	defer func() { telemetry.End(span, err) }()

	log := providerLogger().With("operation", operation)
	startedAt := time.Now()
	log.Debug("provider request started")

	err = c.client.Get(ctx, path, nil, &raw, option.WithHeader("Accept", contentTypeJSON))
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, fmt.Errorf("ollama %s request failed: %w", operation, err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_bytes", len(raw))

	return raw, nil
}

// acceptErrorDocuments lets an error status with a JSON body through as a
// regular response. Ollama reports missing models and similar failures that
// way and callers read them like any other document. Error statuses with a
// non-JSON body still fail the request.
func acceptErrorDocuments(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	if err != nil || resp == nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read error response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if !gjson.ValidBytes(body) {
		return resp, nil
	}

	providerLogger().Debug("provider returned error document",
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"error", gjson.GetBytes(body, "error").String(),
	)
	resp.StatusCode = http.StatusOK
	resp.Status = "200 OK"
	return resp, nil
}

func (c *Client) startSpan(ctx context.Context, operation, path string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "ollama."+operation, trace.WithAttributes(
		attribute.String("ollama.path", path),
		attribute.String("ollama.base_url", c.baseURL),
	))
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.ollama")
}
