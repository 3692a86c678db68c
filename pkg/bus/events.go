package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventPromptReceived  EventType = "prompt_received"
	EventPromptCompleted EventType = "prompt_completed"
	EventPromptFailed    EventType = "prompt_failed"
	EventRelayFailed     EventType = "relay_failed"
)

// Event describes one step of inbound message handling.
type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	From    string            `json:"from,omitempty"`
	Model   string            `json:"model,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PublishEvent fans the event out to subscribers. Subscribers whose buffer
// is full miss the event.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if mb.closed(ctx) {
		return false
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents registers a buffered event stream. The channel closes on
// unsubscribe, context cancellation, or bus close.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-mb.done:
		}
		unsubscribe()
	}()

	return ch, unsubscribe
}
