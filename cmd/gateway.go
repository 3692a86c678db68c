package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ollama-acp/pkg/channel"
	"ollama-acp/pkg/channel/telegram"
	"ollama-acp/pkg/config"
	"ollama-acp/pkg/gateway"
)

const telegramChannelName = "telegram"

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the plugin host with channels and the relay loop",
	Long:  "Hosts the Ollama plugin in-process: channels queue prompts, the poll loop relays them to the model and replies go back to the sender. Serves health, readiness and process endpoints over HTTP.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := appConfig
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			return fmt.Errorf("gateway configuration invalid: %w", err)
		}
		if len(adapters) == 0 {
			log.Warn("No channels enabled, serving the HTTP API only")
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, adapters, log)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		log.Info("Gateway started",
			"channels", enabledChannelNames(adapters),
			"ollama_url", firstNonEmpty(cfg.OllamaURL, config.DefaultOllamaURL),
			"model", firstNonEmpty(cfg.Model, config.DefaultModel),
			"poll_enabled", cfg.Poll.Enabled,
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway runtime failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
