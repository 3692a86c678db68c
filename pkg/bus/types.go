package bus

import "encoding/json"

// InboundMessage is one queued message addressed to the agent.
type InboundMessage struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

// OutboundMessage is one message the agent sends to a recipient.
type OutboundMessage struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}
