package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := InboundMessage{From: "telegram:1", Payload: json.RawMessage(`{"prompt":"hello"}`)}
	if ok := mb.PublishInbound(context.Background(), in); !ok {
		t.Fatal("expected inbound publish to succeed")
	}

	batch, err := mb.ReceiveInbound(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveInbound error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	if batch[0].From != in.From || string(batch[0].Payload) != string(in.Payload) {
		t.Fatalf("message = %+v, want %+v", batch[0], in)
	}
}

func TestReceiveInboundRespectsMaxAndKeepsRemainder(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	for i := 0; i < 12; i++ {
		if ok := mb.PublishInbound(context.Background(), InboundMessage{From: string(rune('a' + i))}); !ok {
			t.Fatalf("publish %d failed", i)
		}
	}

	if mb.Pending() != 12 {
		t.Fatalf("pending = %d, want 12", mb.Pending())
	}

	first, err := mb.ReceiveInbound(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveInbound error: %v", err)
	}
	if len(first) != 10 {
		t.Fatalf("first batch = %d, want 10", len(first))
	}
	if first[0].From != "a" || first[9].From != "j" {
		t.Fatalf("batch order = %q..%q, want a..j", first[0].From, first[9].From)
	}

	second, err := mb.ReceiveInbound(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReceiveInbound error: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("second batch = %d, want 2", len(second))
	}
	if mb.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", mb.Pending())
	}
}

func TestReceiveInboundEmptyQueueDoesNotBlock(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)
		batch, err := mb.ReceiveInbound(context.Background(), 10)
		if err != nil || len(batch) != 0 {
			t.Errorf("ReceiveInbound = (%v, %v), want empty batch", batch, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("receive blocked on empty queue")
	}
}

func TestPublishInboundSignalsReady(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	mb.PublishInbound(context.Background(), InboundMessage{From: "x"})
	mb.PublishInbound(context.Background(), InboundMessage{From: "y"})

	select {
	case <-mb.InboundReady():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected ready signal")
	}

	select {
	case <-mb.InboundReady():
		t.Fatal("expected ready signals to coalesce")
	default:
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := OutboundMessage{To: "telegram:1", Payload: json.RawMessage(`{"response":"world"}`)}
	if ok := mb.PublishOutbound(context.Background(), in); !ok {
		t.Fatal("expected outbound publish to succeed")
	}

	out, ok := mb.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound subscribe to succeed")
	}
	if out.To != in.To {
		t.Fatalf("to = %q, want %q", out.To, in.To)
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), InboundMessage{From: "x"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if ok := mb.PublishOutbound(context.Background(), OutboundMessage{To: "x"}); ok {
		t.Fatal("expected outbound publish to fail after close")
	}
	if _, err := mb.ReceiveInbound(context.Background(), 10); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive error = %v, want ErrClosed", err)
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatal("expected outbound subscribe to stop after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, InboundMessage{From: "x"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}
	if _, err := mb.ReceiveInbound(ctx, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("receive error = %v, want context.Canceled", err)
	}
}

func TestSubscribeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.SubscribeOutbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscribe did not unblock after close")
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	if ok := mb.PublishEvent(ctx, Event{Type: EventPromptReceived, From: "telegram:1"}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventPromptReceived {
				t.Fatalf("subscriber %s event type = %q, want %q", name, got.Type, EventPromptReceived)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s expected event timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	_, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if ok := mb.PublishEvent(ctx, Event{Type: EventPromptCompleted}); !ok {
			t.Fatal("expected event publish to succeed")
		}
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}
