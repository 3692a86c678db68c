package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath        = "OLLAMA_ACP_CONFIG"
	envOllamaURL         = "OLLAMA_ACP_OLLAMA_URL"
	envModel             = "OLLAMA_ACP_MODEL"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

// ErrNotFound reports that no config file exists at any searched location.
var ErrNotFound = errors.New("config file not found")

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	OllamaURL             string          `json:"ollama_url,omitempty" yaml:"ollama_url,omitempty"`
	Model                 string          `json:"model,omitempty" yaml:"model,omitempty"`
	RequestTimeoutSeconds int             `json:"request_timeout_seconds,omitempty" yaml:"request_timeout_seconds,omitempty"`
	Poll                  PollConfig      `json:"poll" yaml:"poll"`
	Channels              ChannelsConfig  `json:"channels" yaml:"channels"`
	Gateway               GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging               LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
	Telemetry             TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// PollConfig controls periodic draining of the inbound queue in gateway
// mode. New inbound messages always trigger a drain.
type PollConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Interval int  `json:"interval" yaml:"interval"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	Proxy     string   `json:"proxy" yaml:"proxy"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"`
}

// PluginValues exposes the plugin-facing settings as the loose key/value
// mapping handed to the plugin by its host. Unset values are omitted so
// resolution falls back to built-in defaults.
func (c *Config) PluginValues() map[string]any {
	values := map[string]any{}
	if c == nil {
		return values
	}

	if url := strings.TrimSpace(c.OllamaURL); url != "" {
		values[KeyOllamaURL] = url
	}
	if model := strings.TrimSpace(c.Model); model != "" {
		values[KeyModel] = model
	}

	return values
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadConfigOrDefault behaves like LoadConfig but returns an empty config
// (environment overrides still applied) when no config file exists.
func LoadConfigOrDefault() (*Config, error) {
	cfg, err := LoadConfig()
	if errors.Is(err, ErrNotFound) {
		cfg = &Config{}
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	return cfg, err
}

// LoadFile reads one config file. YAML is used for .yaml/.yml paths, JSON otherwise.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if url := strings.TrimSpace(os.Getenv(envOllamaURL)); url != "" {
		cfg.OllamaURL = url
	}

	if model := strings.TrimSpace(os.Getenv(envModel)); model != "" {
		cfg.Model = model
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// OLLAMA_ACP_CONFIG wins; otherwise the working directory is searched.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s)", ErrNotFound, strings.Join(candidates, ", "))
}
