package channel

import (
	"context"
	"strings"

	"ollama-acp/pkg/bus"
)

// Publish hands one inbound message to the host queue.
type Publish func(context.Context, bus.InboundMessage) bool

// Adapter bridges one external transport (for example Telegram) into the
// plugin's inbound queue and delivers relayed replies back out.
type Adapter interface {
	Name() string
	Run(context.Context, Publish) error
	Deliver(context.Context, bus.OutboundMessage) error
}

// Recipient builds the sender id used on the bus, "<channel>:<id>".
func Recipient(channelName, id string) string {
	return channelName + ":" + strings.TrimSpace(id)
}

// SplitRecipient reverses Recipient. Ids without a channel prefix report
// false.
func SplitRecipient(recipient string) (channelName, id string, ok bool) {
	channelName, id, ok = strings.Cut(strings.TrimSpace(recipient), ":")
	if !ok || channelName == "" || id == "" {
		return "", "", false
	}
	return channelName, id, true
}
