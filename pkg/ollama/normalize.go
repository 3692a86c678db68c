package ollama

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidResponse marks a response body that is not JSON.
var ErrInvalidResponse = errors.New("invalid ollama response")

func normalizeChat(raw []byte, model string) (ChatResult, error) {
	doc, err := parseDocument("chat", raw)
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		Content:       stringOr(doc.Get("message.content"), ""),
		Model:         stringOr(doc.Get("model"), model),
		Done:          boolOr(doc.Get("done"), true),
		TotalDuration: passthrough(doc.Get("total_duration")),
		EvalCount:     passthrough(doc.Get("eval_count")),
	}, nil
}

func normalizeGenerate(raw []byte, model string) (GenerateResult, error) {
	doc, err := parseDocument("generate", raw)
	if err != nil {
		return GenerateResult{}, err
	}
	return GenerateResult{
		Response: stringOr(doc.Get("response"), ""),
		Model:    stringOr(doc.Get("model"), model),
		Done:     boolOr(doc.Get("done"), true),
	}, nil
}

func normalizeEmbed(raw []byte, model string) (EmbedResult, error) {
	doc, err := parseDocument("embed", raw)
	if err != nil {
		return EmbedResult{}, err
	}
	return EmbedResult{
		Embeddings: passthrough(doc.Get("embeddings")),
		Model:      stringOr(doc.Get("model"), model),
	}, nil
}

func normalizeVersion(raw []byte) (string, error) {
	doc, err := parseDocument("version", raw)
	if err != nil {
		return "", err
	}
	if msg := doc.Get("error"); msg.Exists() {
		return "", fmt.Errorf("ollama version unavailable: %s", msg.String())
	}
	return stringOr(doc.Get("version"), ""), nil
}

func passthroughDocument(operation string, raw []byte) (json.RawMessage, error) {
	if _, err := parseDocument(operation, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func parseDocument(operation string, raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%w: %s body is not JSON (%d bytes)", ErrInvalidResponse, operation, len(raw))
	}
	return gjson.ParseBytes(raw), nil
}

func stringOr(r gjson.Result, fallback string) string {
	if r.Type != gjson.String {
		return fallback
	}
	return r.Str
}

func boolOr(r gjson.Result, fallback bool) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	default:
		return fallback
	}
}

// passthrough copies the raw JSON of a field. Missing fields become nil,
// which encodes as null.
func passthrough(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}
