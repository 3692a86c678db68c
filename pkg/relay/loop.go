package relay

import (
	"context"
	"errors"
	"time"

	"ollama-acp/pkg/config"
)

const defaultPollInterval = 5 * time.Second

// Run calls step whenever wake fires until ctx is done. With polling
// enabled it also calls step on every interval tick.
func Run(ctx context.Context, cfg config.PollConfig, wake <-chan struct{}, step func(context.Context)) error {
	if step == nil {
		return errors.New("poll step is required")
	}

	var tick <-chan time.Time
	if cfg.Enabled {
		interval := time.Duration(cfg.Interval) * time.Second
		if cfg.Interval == 0 {
			interval = defaultPollInterval
		}
		if interval <= 0 {
			return errors.New("poll interval must be greater than zero")
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			step(ctx)
		case <-tick:
			// Catches anything a coalesced wake signal left behind.
			step(ctx)
		}
	}
}
