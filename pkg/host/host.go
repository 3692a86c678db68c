package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/config"
)

// Capability is one advertised agent skill.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registration announces an agent and its capabilities to the host.
type Registration struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Capabilities []Capability `json:"capabilities"`
}

// Host is everything the plugin consumes from its runtime.
type Host interface {
	Config(ctx context.Context) (map[string]any, error)
	Receive(ctx context.Context, max int) ([]bus.InboundMessage, error)
	Send(ctx context.Context, recipient string, payload any) error
	Register(ctx context.Context, reg Registration) error
	LogInfo(message string)
}

// Local hosts the plugin in-process: config comes from the loaded config
// file and messages flow through a MessageBus.
type Local struct {
	bus *bus.MessageBus
	cfg *config.Config
	log *slog.Logger

	mu            sync.RWMutex
	registrations []Registration
}

func NewLocal(mb *bus.MessageBus, cfg *config.Config) *Local {
	return &Local{
		bus: mb,
		cfg: cfg,
		log: slog.Default().With("component", "host"),
	}
}

func (h *Local) Config(context.Context) (map[string]any, error) {
	if h.cfg == nil {
		return nil, fmt.Errorf("host config: %w", config.ErrNotFound)
	}
	return h.cfg.PluginValues(), nil
}

func (h *Local) Receive(ctx context.Context, max int) ([]bus.InboundMessage, error) {
	if h.bus == nil {
		return nil, bus.ErrClosed
	}
	return h.bus.ReceiveInbound(ctx, max)
}

func (h *Local) Send(ctx context.Context, recipient string, payload any) error {
	if h.bus == nil {
		return bus.ErrClosed
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", recipient, err)
	}
	if ok := h.bus.PublishOutbound(ctx, bus.OutboundMessage{To: recipient, Payload: encoded}); !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return bus.ErrClosed
	}
	return nil
}

func (h *Local) Register(_ context.Context, reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("register agent: name is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.registrations {
		if existing.Name == reg.Name {
			h.registrations[i] = reg
			return nil
		}
	}
	h.registrations = append(h.registrations, reg)
	h.log.Debug("Agent registered", "agent", reg.Name, "capabilities", len(reg.Capabilities))
	return nil
}

// Registrations returns a copy of the registered agents.
func (h *Local) Registrations() []Registration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Registration, len(h.registrations))
	copy(out, h.registrations)
	return out
}

func (h *Local) LogInfo(message string) {
	h.log.Info(message)
}
