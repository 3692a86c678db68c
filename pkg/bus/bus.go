package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus is the in-process mailbox between channels and the agent.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	wake     chan struct{}

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundMessage, size),
		outbound:         make(chan OutboundMessage, size),
		wake:             make(chan struct{}, 1),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound queues a message for the agent and signals InboundReady.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if mb.closed(ctx) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- msg:
	}

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return true
}

// ReceiveInbound drains up to max queued messages without blocking.
// Messages beyond max stay queued for the next call.
func (mb *MessageBus) ReceiveInbound(ctx context.Context, max int) ([]InboundMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-mb.done:
		return nil, ErrClosed
	default:
	}

	var batch []InboundMessage
	for len(batch) < max {
		select {
		case msg := <-mb.inbound:
			batch = append(batch, msg)
		default:
			return batch, nil
		}
	}

	return batch, nil
}

// Pending reports how many inbound messages are queued.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

// InboundReady fires (coalesced) after a message is published inbound.
func (mb *MessageBus) InboundReady() <-chan struct{} {
	return mb.wake
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if mb.closed(ctx) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.outbound <- msg:
		return true
	}
}

// SubscribeOutbound blocks until an outbound message is available.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-mb.done:
		return OutboundMessage{}, false
	case msg := <-mb.outbound:
		return msg, true
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func (mb *MessageBus) closed(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-mb.done:
		return true
	default:
		return false
	}
}
