package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/channel"
	"ollama-acp/pkg/config"
	"ollama-acp/pkg/host"
	"ollama-acp/pkg/ollama"
	"ollama-acp/pkg/plugin"
	"ollama-acp/pkg/relay"
)

const (
	defaultHealthHost   = "0.0.0.0"
	defaultHealthPort   = 18790
	healthCheckInterval = 30 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

var pollRequest = []byte(`{"action":"poll"}`)

// Service hosts the plugin in-process: channels feed the message bus, a
// poll loop drains it through the plugin, and relayed replies are routed
// back to the owning channel.
type Service struct {
	cfg            *config.Config
	log            *slog.Logger
	bus            *bus.MessageBus
	host           *host.Local
	plugin         *plugin.Plugin
	channels       map[string]channel.Adapter
	app            *echo.Echo
	requestTimeout time.Duration

	mu             sync.RWMutex
	startedAt      time.Time
	ollamaLastOKAt time.Time
	ollamaLastErr  string
	ollamaVersion  string
	channelStates  map[string]channelState
	polls          int64
	processed      int64
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status         string                  `json:"status"`
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	OllamaURL      string                  `json:"ollama_url"`
	OllamaVersion  string                  `json:"ollama_version,omitempty"`
	OllamaLastOKAt string                  `json:"ollama_last_ok_at,omitempty"`
	OllamaLastErr  string                  `json:"ollama_last_error,omitempty"`
	Polls          int64                   `json:"polls"`
	Processed      int64                   `json:"processed"`
	Channels       map[string]channelState `json:"channels"`
}

// NewService wires the bus, host and plugin. Zero channel adapters is
// allowed; the HTTP API still serves process requests.
func NewService(cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channels := make(map[string]channel.Adapter, len(adapters))
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		name := adapter.Name()
		if _, dup := channels[name]; dup {
			return nil, fmt.Errorf("duplicate channel adapter %q", name)
		}
		channels[name] = adapter
		channelStates[name] = channelState{}
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	messageBus := bus.NewMessageBus()
	localHost := host.NewLocal(messageBus, cfg)

	s := &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		bus:            messageBus,
		host:           localHost,
		channels:       channels,
		channelStates:  channelStates,
		requestTimeout: requestTimeout,
		plugin: plugin.New(localHost,
			plugin.WithEvents(messageBus),
			plugin.WithRequestTimeout(requestTimeout),
		),
	}
	s.app = s.newRouter()

	return s, nil
}

// Handler exposes the HTTP API, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.app
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.plugin.Init(ctx, nil)
	s.plugin.Start(ctx)
	defer s.shutdown()

	if err := s.checkOllamaHealth(ctx); err != nil {
		s.log.Warn("Ollama not reachable yet", "error", err)
	}

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkOllamaHealth(ctx)
			}
		}
	}()

	go observeEvents(ctx, s.bus)
	go s.routeOutbound(ctx)

	pollErrors := make(chan error, 1)
	go func() {
		if err := relay.Run(ctx, s.cfg.Poll, s.bus.InboundReady(), s.drainInbound); err != nil {
			pollErrors <- fmt.Errorf("run poll loop: %w", err)
		}
	}()

	errCh := make(chan error, len(s.channels))
	for name, adapter := range s.channels {
		s.setChannelState(name, channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.bus.PublishInbound)
			s.setChannelState(name, channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", name, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErrors:
		return err
	case err := <-pollErrors:
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Service) shutdown() {
	s.plugin.Stop(context.Background())
	s.bus.Close()
}

// drainInbound polls until the queue is empty. Each poll handles at most
// one batch, so a burst larger than a batch takes several polls.
func (s *Service) drainInbound(ctx context.Context) {
	for {
		s.pollOnce(ctx)
		if ctx.Err() != nil || s.bus.Pending() == 0 {
			return
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	result, err := s.plugin.Process(ctx, pollRequest)
	if err != nil {
		s.log.Error("Poll failed", "error", err)
		return
	}

	summary, _ := result.Value.(relay.Summary)
	s.mu.Lock()
	s.polls++
	s.processed += int64(summary.Processed)
	s.mu.Unlock()

	if summary.Processed > 0 {
		s.log.Info("Poll processed messages", "processed", summary.Processed)
	}
}

// routeOutbound delivers relayed replies to the channel named by the
// recipient prefix.
func (s *Service) routeOutbound(ctx context.Context) {
	for {
		msg, ok := s.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		name, _, ok := channel.SplitRecipient(msg.To)
		adapter := s.channels[name]
		if !ok || adapter == nil {
			s.log.Debug("Dropping reply without a channel", "to", msg.To)
			continue
		}

		if err := adapter.Deliver(ctx, msg); err != nil {
			s.log.Error("Failed to deliver reply", "channel", name, "to", msg.To, "error", err)
		}
	}
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	addr := s.address()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.app,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = s.app.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", addr)
	if err := s.app.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) address() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	return host + ":" + strconv.Itoa(port)
}

func (s *Service) currentStatus(status string) statusResponse {
	resolved := s.plugin.Resolve(context.Background())

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	lastOK := ""
	if !s.ollamaLastOKAt.IsZero() {
		lastOK = s.ollamaLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:         status,
		UptimeSeconds:  uptime,
		OllamaURL:      resolved.BaseURL,
		OllamaVersion:  s.ollamaVersion,
		OllamaLastOKAt: lastOK,
		OllamaLastErr:  s.ollamaLastErr,
		Polls:          s.polls,
		Processed:      s.processed,
		Channels:       channels,
	}
}

// isReady requires a healthy Ollama server and, when channels are
// configured, at least one running channel.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ollamaLastOKAt.IsZero() || s.ollamaLastErr != "" {
		return false
	}

	if len(s.channelStates) == 0 {
		return true
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) checkOllamaHealth(ctx context.Context) error {
	resolved := s.plugin.Resolve(ctx)
	client, err := ollama.New(ollama.Options{BaseURL: resolved.BaseURL, RequestTimeout: s.requestTimeout})
	if err == nil {
		var version string
		version, err = client.Version(ctx)
		if err == nil {
			s.mu.Lock()
			s.ollamaLastErr = ""
			s.ollamaLastOKAt = time.Now().UTC()
			s.ollamaVersion = version
			s.mu.Unlock()
			return nil
		}
	}

	s.mu.Lock()
	s.ollamaLastErr = err.Error()
	s.mu.Unlock()
	return fmt.Errorf("ollama health check failed: %w", err)
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
