package config

import (
	"encoding/json"
	"strings"
)

const (
	KeyOllamaURL = "ollama_url"
	KeyModel     = "model"

	DefaultOllamaURL = "http://localhost:11434"
	DefaultModel     = "llama3.2"
)

// Resolved is the effective base URL and default model for one invocation.
type Resolved struct {
	BaseURL      string
	DefaultModel string
}

// Resolve applies built-in fallbacks to host-provided values. Missing,
// empty, or non-string entries fall back to defaults.
func Resolve(values map[string]any) Resolved {
	return Resolved{
		BaseURL:      stringValue(values, KeyOllamaURL, DefaultOllamaURL),
		DefaultModel: stringValue(values, KeyModel, DefaultModel),
	}
}

func stringValue(values map[string]any, key string, fallback string) string {
	raw, ok := values[key]
	if !ok {
		return fallback
	}

	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}

	return strings.TrimSpace(value)
}

// Schema describes the plugin-facing config keys for host UIs.
func Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "ollama_url": {
      "type": "string",
      "description": "Ollama API base URL",
      "default": "http://localhost:11434"
    },
    "model": {
      "type": "string",
      "description": "Default model to use",
      "default": "llama3.2"
    }
  }
}`)
}
