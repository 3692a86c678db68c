package action

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ollama-acp/pkg/config"
	"ollama-acp/pkg/ollama"
	"ollama-acp/pkg/relay"
	"ollama-acp/pkg/telemetry"
)

type Options struct {
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	// Mailbox backs the poll action. Without one, poll reports nothing
	// processed.
	Mailbox relay.Mailbox
	Events  relay.EventSink
}

// Dispatcher routes one process input to a single Ollama operation.
type Dispatcher struct {
	requestTimeout time.Duration
	httpClient     *http.Client
	poller         *relay.Poller
	tracer         trace.Tracer
}

func NewDispatcher(opts Options) *Dispatcher {
	var pollerOpts []relay.Option
	if opts.Events != nil {
		pollerOpts = append(pollerOpts, relay.WithEvents(opts.Events))
	}
	return &Dispatcher{
		requestTimeout: opts.RequestTimeout,
		httpClient:     opts.HTTPClient,
		poller:         relay.NewPoller(opts.Mailbox, pollerOpts...),
		tracer:         telemetry.Tracer("ollama-acp/action"),
	}
}

// Dispatch parses input, picks the action and runs it against cfg. Bad
// caller input comes back as a failed Result; the returned error is
// reserved for transport, encoding and malformed-response faults.
func (d *Dispatcher) Dispatch(ctx context.Context, input []byte, cfg config.Resolved) (result Result, err error) {
	env, err := ParseEnvelope(input)
	if err != nil {
		return Result{}, err
	}

	name := env.Action()
	ctx, span := d.tracer.Start(ctx, "action.dispatch", trace.WithAttributes(
		attribute.String("action", name),
		attribute.String("ollama.base_url", cfg.BaseURL),
	))
	defer func() { telemetry.End(span, err) }()

	log := actionLogger().With("action", name)
	startedAt := time.Now()
	log.Debug("Action dispatch started")
	defer func() {
		if err != nil {
			log.Debug("Action dispatch failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
			return
		}
		if result.Err != nil {
			log.Debug("Action dispatch rejected", "duration_ms", time.Since(startedAt).Milliseconds(), "code", result.Err.Code, "reason", result.Err.Message)
			return
		}
		log.Debug("Action dispatch completed", "duration_ms", time.Since(startedAt).Milliseconds())
	}()

	kind, ok := ParseKind(name)
	if !ok {
		return Failure(CodeUnknownAction, "unknown action: "+name), nil
	}

	switch kind {
	case KindChat:
		return d.Chat(ctx, cfg, chatRequestFrom(env))
	case KindGenerate:
		return d.Generate(ctx, cfg, generateRequestFrom(env))
	case KindEmbeddings:
		return d.Embeddings(ctx, cfg, embeddingsRequestFrom(env))
	case KindListModels:
		return d.ListModels(ctx, cfg)
	case KindPoll:
		return Success(d.Poll(ctx, cfg)), nil
	default:
		return Failure(CodeUnknownAction, "unknown action: "+name), nil
	}
}

func (d *Dispatcher) Chat(ctx context.Context, cfg config.Resolved, req ChatRequest) (Result, error) {
	if verr := req.validate(); verr != nil {
		return Result{Err: verr}, nil
	}

	messages := req.Messages
	if messages == nil {
		built, err := ollama.PromptMessages(req.systemPrompt(), req.Prompt)
		if err != nil {
			return Result{}, fmt.Errorf("encode chat messages: %w", err)
		}
		messages = built
	}

	client, err := d.client(cfg)
	if err != nil {
		return Result{}, err
	}
	out, err := client.Chat(ctx, ollama.ChatParams{
		Model:    effectiveModel(req.Model, cfg.DefaultModel),
		Messages: messages,
	})
	if err != nil {
		return Result{}, err
	}
	return Success(out), nil
}

func (d *Dispatcher) Generate(ctx context.Context, cfg config.Resolved, req GenerateRequest) (Result, error) {
	if verr := req.validate(); verr != nil {
		return Result{Err: verr}, nil
	}

	client, err := d.client(cfg)
	if err != nil {
		return Result{}, err
	}
	out, err := client.Generate(ctx, ollama.GenerateParams{
		Model:  effectiveModel(req.Model, cfg.DefaultModel),
		Prompt: req.Prompt,
	})
	if err != nil {
		return Result{}, err
	}
	return Success(out), nil
}

func (d *Dispatcher) Embeddings(ctx context.Context, cfg config.Resolved, req EmbeddingsRequest) (Result, error) {
	if verr := req.validate(); verr != nil {
		return Result{Err: verr}, nil
	}

	client, err := d.client(cfg)
	if err != nil {
		return Result{}, err
	}
	out, err := client.Embed(ctx, ollama.EmbedParams{
		Model: cfg.DefaultModel,
		Input: req.Text,
	})
	if err != nil {
		return Result{}, err
	}
	return Success(out), nil
}

func (d *Dispatcher) ListModels(ctx context.Context, cfg config.Resolved) (Result, error) {
	client, err := d.client(cfg)
	if err != nil {
		return Result{}, err
	}
	out, err := client.ListModels(ctx)
	if err != nil {
		return Result{}, err
	}
	return Success(out), nil
}

// Poll drains queued inbound messages and answers each through Chat.
func (d *Dispatcher) Poll(ctx context.Context, cfg config.Resolved) relay.Summary {
	return d.poller.Poll(ctx, cfg, d.ChatPrompt)
}

// ChatPrompt runs Chat for a bare prompt and returns the reply content.
func (d *Dispatcher) ChatPrompt(ctx context.Context, cfg config.Resolved, prompt string) (string, error) {
	result, err := d.Chat(ctx, cfg, ChatRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if result.Err != nil {
		return "", result.Err
	}
	out, ok := result.Value.(ollama.ChatResult)
	if !ok {
		return "", fmt.Errorf("unexpected chat result %T", result.Value)
	}
	return out.Content, nil
}

func (d *Dispatcher) client(cfg config.Resolved) (*ollama.Client, error) {
	return ollama.New(ollama.Options{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: d.requestTimeout,
		HTTPClient:     d.httpClient,
	})
}

func actionLogger() *slog.Logger {
	return slog.Default().With("component", "action")
}
