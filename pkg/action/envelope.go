package action

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidInput marks a process input that is not JSON.
var ErrInvalidInput = errors.New("invalid action input")

type Kind string

const (
	KindChat       Kind = "chat"
	KindGenerate   Kind = "generate"
	KindEmbeddings Kind = "embeddings"
	KindListModels Kind = "list_models"
	KindPoll       Kind = "poll"
)

// ParseKind maps an action name to its Kind. Unknown names report false.
func ParseKind(name string) (Kind, bool) {
	switch kind := Kind(name); kind {
	case KindChat, KindGenerate, KindEmbeddings, KindListModels, KindPoll:
		return kind, true
	default:
		return "", false
	}
}

// Envelope is a read-only view over a caller's JSON input. Fields of the
// wrong type read as absent and unknown fields are ignored.
type Envelope struct {
	doc gjson.Result
}

func ParseEnvelope(input []byte) (Envelope, error) {
	if !gjson.ValidBytes(input) {
		return Envelope{}, fmt.Errorf("%w: not JSON (%d bytes)", ErrInvalidInput, len(input))
	}
	return Envelope{doc: gjson.ParseBytes(input)}, nil
}

// Action returns the action name, "chat" when absent.
func (e Envelope) Action() string {
	if name, ok := e.String("action"); ok {
		return name
	}
	return string(KindChat)
}

// String returns a string field. Non-string values report false.
func (e Envelope) String(key string) (string, bool) {
	value := e.field(key)
	if value.Type != gjson.String {
		return "", false
	}
	return value.Str, true
}

// Raw returns the raw JSON of a field when present, including null.
func (e Envelope) Raw(key string) (json.RawMessage, bool) {
	value := e.field(key)
	if !value.Exists() {
		return nil, false
	}
	return json.RawMessage(value.Raw), true
}

func (e Envelope) field(key string) gjson.Result {
	if !e.doc.IsObject() {
		return gjson.Result{}
	}
	return e.doc.Get(gjson.Escape(key))
}
