package gateway

import (
	"context"
	"log/slog"

	"ollama-acp/pkg/bus"
)

func observeEvents(ctx context.Context, messageBus *bus.MessageBus) {
	// Buffered so relay work never waits on logging; the bus drops events
	// for a full subscriber.
	log := slog.Default().With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"from", event.From,
		"model", event.Model,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventPromptFailed, bus.EventRelayFailed:
		log.Error("Relay event", append(attrs, "error", event.Error)...)
	case bus.EventPromptReceived, bus.EventPromptCompleted:
		log.Info("Relay event", attrs...)
	default:
		log.Debug("Relay event", attrs...)
	}
}
