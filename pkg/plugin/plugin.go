package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ollama-acp/pkg/action"
	"ollama-acp/pkg/config"
	"ollama-acp/pkg/host"
	"ollama-acp/pkg/relay"
)

const (
	Name        = "ollama"
	Version     = "0.1.0"
	Description = "ACP agent for local LLM inference via Ollama"
	Label       = "acp"

	agentDescription = "Local LLM inference agent via Ollama"
)

// ErrUnknownFunction is returned by Invoke for names that are not exports.
var ErrUnknownFunction = errors.New("unknown plugin function")

var capabilities = []host.Capability{
	{Name: "chat-completion", Description: "Generate chat responses via local Ollama models"},
	{Name: "code-generation", Description: "Generate code with local models"},
	{Name: "embeddings", Description: "Generate text embeddings"},
}

// Manifest is what Describe reports to the host.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Label        string            `json:"label"`
	Capabilities []host.Capability `json:"capabilities"`
}

type InitResult struct {
	Success bool `json:"success"`
}

type Status struct {
	Status string `json:"status"`
}

type Plugin struct {
	host       host.Host
	dispatcher *action.Dispatcher
	log        *slog.Logger
}

type options struct {
	requestTimeout time.Duration
	httpClient     *http.Client
	events         relay.EventSink
}

type Option func(*options)

func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = timeout
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithEvents(sink relay.EventSink) Option {
	return func(o *options) {
		o.events = sink
	}
}

func New(h host.Host, opts ...Option) *Plugin {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	dispatchOpts := action.Options{
		RequestTimeout: o.requestTimeout,
		HTTPClient:     o.httpClient,
		Events:         o.events,
	}
	if h != nil {
		dispatchOpts.Mailbox = h
	}

	return &Plugin{
		host:       h,
		dispatcher: action.NewDispatcher(dispatchOpts),
		log:        slog.Default().With("component", "plugin"),
	}
}

func (p *Plugin) Describe() Manifest {
	caps := make([]host.Capability, len(capabilities))
	copy(caps, capabilities)
	return Manifest{
		Name:         Name,
		Version:      Version,
		Description:  Description,
		Label:        Label,
		Capabilities: caps,
	}
}

func (p *Plugin) ConfigSchema() json.RawMessage {
	return config.Schema()
}

func (p *Plugin) Init(context.Context, json.RawMessage) InitResult {
	p.logInfo("Ollama plugin initialized")
	return InitResult{Success: true}
}

// Start registers the agent. A failed registration is logged and the
// plugin still reports running.
func (p *Plugin) Start(ctx context.Context) Status {
	if p.host != nil {
		reg := host.Registration{
			Name:         Name,
			Description:  agentDescription,
			Capabilities: p.Describe().Capabilities,
		}
		if err := p.host.Register(ctx, reg); err != nil {
			p.log.Warn("Agent registration failed", "agent", Name, "error", err)
		}
	}
	p.logInfo("Ollama ACP agent registered")
	return Status{Status: "running"}
}

func (p *Plugin) Stop(context.Context) Status {
	p.logInfo("Ollama ACP agent stopped")
	return Status{Status: "stopped"}
}

// Process runs one action against freshly resolved configuration.
func (p *Plugin) Process(ctx context.Context, input []byte) (action.Result, error) {
	return p.dispatcher.Dispatch(ctx, input, p.Resolve(ctx))
}

// Resolve reads host configuration and applies fallbacks. A config read
// failure is logged and the built-in defaults are used.
func (p *Plugin) Resolve(ctx context.Context) config.Resolved {
	if p.host == nil {
		return config.Resolve(nil)
	}
	values, err := p.host.Config(ctx)
	if err != nil {
		p.log.Debug("Host config unavailable, using defaults", "error", err)
		return config.Resolve(nil)
	}
	return config.Resolve(values)
}

// Invoke calls an export by name and returns its JSON result.
func (p *Plugin) Invoke(ctx context.Context, function string, input []byte) (json.RawMessage, error) {
	var out any
	switch function {
	case "describe":
		out = p.Describe()
	case "config_schema":
		return p.ConfigSchema(), nil
	case "init":
		out = p.Init(ctx, input)
	case "start":
		out = p.Start(ctx)
	case "stop":
		out = p.Stop(ctx)
	case "process":
		result, err := p.Process(ctx, input)
		if err != nil {
			return nil, err
		}
		out = result
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, function)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", function, err)
	}
	return encoded, nil
}

func (p *Plugin) logInfo(message string) {
	if p.host != nil {
		p.host.LogInfo(message)
		return
	}
	p.log.Info(message)
}
