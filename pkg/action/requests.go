package action

import "encoding/json"

const DefaultSystemPrompt = "You are a helpful assistant."

// ChatRequest takes either prebuilt messages or a bare prompt. Messages win
// when both are present.
type ChatRequest struct {
	Messages json.RawMessage
	Prompt   string
	System   string
	Model    string
}

type GenerateRequest struct {
	Prompt string
	Model  string
}

// EmbeddingsRequest has no model override; embeddings always use the
// configured default.
type EmbeddingsRequest struct {
	Text string
}

func chatRequestFrom(env Envelope) ChatRequest {
	req := ChatRequest{}
	if messages, ok := env.Raw("messages"); ok {
		req.Messages = messages
	}
	req.Prompt, _ = env.String("prompt")
	req.System, _ = env.String("system")
	req.Model, _ = env.String("model")
	return req
}

func generateRequestFrom(env Envelope) GenerateRequest {
	req := GenerateRequest{}
	req.Prompt, _ = env.String("prompt")
	req.Model, _ = env.String("model")
	return req
}

func embeddingsRequestFrom(env Envelope) EmbeddingsRequest {
	req := EmbeddingsRequest{}
	req.Text, _ = env.String("text")
	return req
}

func (r ChatRequest) validate() *Error {
	if r.Messages == nil && r.Prompt == "" {
		return &Error{Code: CodeMissingInput, Message: "prompt or messages required"}
	}
	return nil
}

func (r GenerateRequest) validate() *Error {
	if r.Prompt == "" {
		return &Error{Code: CodeMissingInput, Message: "prompt is required"}
	}
	return nil
}

func (r EmbeddingsRequest) validate() *Error {
	if r.Text == "" {
		return &Error{Code: CodeMissingInput, Message: "text is required"}
	}
	return nil
}

func (r ChatRequest) systemPrompt() string {
	if r.System == "" {
		return DefaultSystemPrompt
	}
	return r.System
}

func effectiveModel(requested, fallback string) string {
	if requested == "" {
		return fallback
	}
	return requested
}
