/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/config"
	"ollama-acp/pkg/host"
	"ollama-acp/pkg/logger"
	"ollama-acp/pkg/plugin"
	"ollama-acp/pkg/telemetry"
)

var (
	configPath        string
	appConfig         *config.Config
	telemetryShutdown telemetry.Shutdown
)

var rootCmd = &cobra.Command{
	Use:   "ollama-acp",
	Short: "Ollama adapter plugin",
	Long: "Exposes a local Ollama server as an agent plugin: chat, generate, embeddings and model listing " +
		"actions, plus a gateway that relays queued prompts from channels to the model.",
	SilenceUsage:       true,
	PersistentPreRunE:  setupRuntime,
	PersistentPostRunE: teardownRuntime,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml")
}

func setupRuntime(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	appConfig = cfg

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry, logger.Component("telemetry"))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	telemetryShutdown = shutdown

	return nil
}

func teardownRuntime(*cobra.Command, []string) error {
	if telemetryShutdown == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return telemetryShutdown(ctx)
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}

	return config.LoadConfigOrDefault()
}

// newLocalPlugin builds a plugin backed by an in-process host, for the
// commands that run a single action outside the gateway.
func newLocalPlugin(cfg *config.Config) *plugin.Plugin {
	localHost := host.NewLocal(bus.NewMessageBus(), cfg)
	return plugin.New(localHost, plugin.WithRequestTimeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second))
}
