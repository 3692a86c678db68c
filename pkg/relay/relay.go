package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/tidwall/gjson"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/config"
)

// BatchSize is the most messages one poll drains. Anything beyond stays
// queued for the next poll.
const BatchSize = 10

// unknownSender addresses messages without a sender. InboundMessage.From is
// a plain string, so an absent sender and an empty one both land here.
const unknownSender = "unknown"

// Mailbox is the host's inbound queue and send capability.
type Mailbox interface {
	Receive(ctx context.Context, max int) ([]bus.InboundMessage, error)
	Send(ctx context.Context, recipient string, payload any) error
}

// EventSink receives progress events. *bus.MessageBus implements it.
type EventSink interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// ChatFunc runs one chat completion for a bare prompt and returns the
// assistant content.
type ChatFunc func(ctx context.Context, cfg config.Resolved, prompt string) (string, error)

// Relay is one successfully answered inbound message.
type Relay struct {
	From     string `json:"from"`
	Response string `json:"response"`
}

// Reply is the payload sent back to the original sender.
type Reply struct {
	Response string `json:"response"`
}

// Summary is the result of one poll.
type Summary struct {
	Processed int     `json:"processed"`
	Results   []Relay `json:"results"`
}

type Poller struct {
	mailbox Mailbox
	events  EventSink
}

type Option func(*Poller)

func WithEvents(sink EventSink) Option {
	return func(p *Poller) {
		p.events = sink
	}
}

func NewPoller(mailbox Mailbox, opts ...Option) *Poller {
	p := &Poller{mailbox: mailbox}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll drains up to BatchSize messages and answers each one in delivery
// order. It never fails: receive errors yield an empty summary, and
// messages with no prompt or a failed chat call are skipped without a
// reply.
func (p *Poller) Poll(ctx context.Context, cfg config.Resolved, chat ChatFunc) Summary {
	summary := Summary{Results: []Relay{}}
	log := relayLogger()

	if p == nil || p.mailbox == nil || chat == nil {
		return summary
	}

	messages, err := p.mailbox.Receive(ctx, BatchSize)
	if err != nil {
		log.Warn("Inbound receive failed", "error", err)
		return summary
	}
	if len(messages) > 0 {
		log.Debug("Inbound batch received", "count", len(messages))
	}

	for _, msg := range messages {
		from := msg.From
		if from == "" {
			from = unknownSender
		}

		prompt := promptOf(msg.Payload)
		if prompt == "" {
			log.Debug("Inbound message skipped", "from", from, "reason", "empty prompt")
			continue
		}

		p.emit(ctx, bus.Event{Type: bus.EventPromptReceived, From: from, Model: cfg.DefaultModel})

		content, err := chat(ctx, cfg, prompt)
		if err != nil {
			log.Warn("Inbound message chat failed", "from", from, "error", err)
			p.emit(ctx, bus.Event{Type: bus.EventPromptFailed, From: from, Model: cfg.DefaultModel, Error: err.Error()})
			continue
		}

		if err := p.mailbox.Send(ctx, from, Reply{Response: content}); err != nil {
			log.Warn("Relay send failed", "to", from, "error", err)
			p.emit(ctx, bus.Event{Type: bus.EventRelayFailed, From: from, Error: err.Error()})
		}

		summary.Results = append(summary.Results, Relay{From: from, Response: content})
		p.emit(ctx, bus.Event{
			Type:    bus.EventPromptCompleted,
			From:    from,
			Model:   cfg.DefaultModel,
			Payload: map[string]string{"response_length": strconv.Itoa(len(content))},
		})
	}

	summary.Processed = len(summary.Results)
	return summary
}

func (p *Poller) emit(ctx context.Context, event bus.Event) {
	if p.events == nil {
		return
	}
	p.events.PublishEvent(ctx, event)
}

// promptOf reads payload.prompt. Anything other than a JSON string is
// treated as no prompt.
func promptOf(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	value := gjson.GetBytes(payload, "prompt")
	if value.Type != gjson.String {
		return ""
	}
	return value.Str
}

func relayLogger() *slog.Logger {
	return slog.Default().With("component", "relay")
}
