package ollama

import "encoding/json"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatParams struct {
	Model string
	// Messages is sent as-is, whatever JSON value the caller supplied.
	Messages json.RawMessage
}

type GenerateParams struct {
	Model  string
	Prompt string
}

type EmbedParams struct {
	Model string
	Input string
}

// ChatResult is the normalized chat response. TotalDuration and EvalCount
// carry the server's values verbatim and encode as null when absent.
type ChatResult struct {
	Content       string          `json:"content"`
	Model         string          `json:"model"`
	Done          bool            `json:"done"`
	TotalDuration json.RawMessage `json:"total_duration"`
	EvalCount     json.RawMessage `json:"eval_count"`
}

type GenerateResult struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Done     bool   `json:"done"`
}

// EmbedResult holds the embeddings value verbatim, null when absent.
type EmbedResult struct {
	Embeddings json.RawMessage `json:"embeddings"`
	Model      string          `json:"model"`
}

type chatBody struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type generateBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type embedBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// PromptMessages builds the two-message conversation used when a caller
// supplies a bare prompt.
func PromptMessages(system, prompt string) (json.RawMessage, error) {
	return json.Marshal([]Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	})
}
