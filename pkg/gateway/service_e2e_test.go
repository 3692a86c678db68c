package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/channel"
	"ollama-acp/pkg/config"
)

type fakeOllama struct {
	mu      sync.Mutex
	prompts []string
	models  []string

	healthy atomic.Bool
}

func newFakeOllama(t *testing.T) (*fakeOllama, *httptest.Server) {
	t.Helper()

	fake := &fakeOllama{}
	fake.healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/version":
			if !fake.healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, `{"error":"loading"}`)
				return
			}
			_, _ = io.WriteString(w, `{"version":"0.6.2"}`)
		case "/api/chat":
			body, _ := io.ReadAll(r.Body)
			prompt := gjson.GetBytes(body, "messages.#(role==\"user\").content").String()

			fake.mu.Lock()
			fake.prompts = append(fake.prompts, prompt)
			fake.models = append(fake.models, gjson.GetBytes(body, "model").String())
			fake.mu.Unlock()

			if prompt == "fail" {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, "model runner crashed")
				return
			}

			reply, _ := json.Marshal("ok:" + prompt)
			_, _ = fmt.Fprintf(w, `{"model":"llama3.2","message":{"role":"assistant","content":%s},"done":true}`, reply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return fake, srv
}

func (f *fakeOllama) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompts := make([]string, len(f.prompts))
	copy(prompts, f.prompts)

	models := make([]string, len(f.models))
	copy(models, f.models)

	return prompts, models
}

type scriptedAdapter struct {
	name    string
	inbound []bus.InboundMessage

	mu        sync.Mutex
	delivered []bus.OutboundMessage
	published chan struct{}
}

func newScriptedAdapter(inbound ...bus.InboundMessage) *scriptedAdapter {
	return &scriptedAdapter{
		name:      "fake",
		inbound:   inbound,
		published: make(chan struct{}),
	}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, publish channel.Publish) error {
	for _, msg := range a.inbound {
		if !publish(ctx, msg) {
			return fmt.Errorf("publish %s: bus rejected message", msg.From)
		}
	}
	close(a.published)

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) Deliver(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, msg)
	return nil
}

func (a *scriptedAdapter) deliveries() []bus.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	delivered := make([]bus.OutboundMessage, len(a.delivered))
	copy(delivered, a.delivered)
	return delivered
}

func inbound(from, prompt string) bus.InboundMessage {
	payload, _ := json.Marshal(map[string]string{"prompt": prompt})
	return bus.InboundMessage{From: from, Payload: payload, Channel: "fake"}
}

func testGatewayConfig(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()

	return &config.Config{
		OllamaURL:             ollamaURL,
		Model:                 "qwen2.5",
		RequestTimeoutSeconds: 5,
		Poll:                  config.PollConfig{Enabled: false},
		Gateway: config.GatewayConfig{
			Host: "127.0.0.1",
			Port: freeTCPPort(t),
		},
	}
}

func runService(t *testing.T, ctx context.Context, svc *Service) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	return errCh
}

func waitRunExit(t *testing.T, errCh <-chan error) {
	t.Helper()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2ERelaysPromptsToSenders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake, ollamaSrv := newFakeOllama(t)
	cfg := testGatewayConfig(t, ollamaSrv.URL)

	adapter := newScriptedAdapter(
		inbound("fake:100", "one"),
		inbound("fake:100", "fail"),
		inbound("fake:200", "three"),
	)

	svc, err := NewService(cfg, []channel.Adapter{adapter}, nil)
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)

	select {
	case <-adapter.published:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted messages")
	}

	require.Eventually(t, func() bool {
		return len(adapter.deliveries()) == 2 && svc.currentStatus("ok").Processed == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	waitRunExit(t, errCh)

	prompts, models := fake.snapshot()
	require.Equal(t, []string{"one", "fail", "three"}, prompts)
	require.Equal(t, []string{"qwen2.5", "qwen2.5", "qwen2.5"}, models)

	delivered := adapter.deliveries()
	require.Equal(t, "fake:100", delivered[0].To)
	require.JSONEq(t, `{"response":"ok:one"}`, string(delivered[0].Payload))
	require.Equal(t, "fake:200", delivered[1].To)
	require.JSONEq(t, `{"response":"ok:three"}`, string(delivered[1].Payload))

	status := svc.currentStatus("ok")
	require.GreaterOrEqual(t, status.Polls, int64(1))
	require.Equal(t, "0.6.2", status.OllamaVersion)
}

func TestGatewayServiceRunE2EDrainsBurstLargerThanBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ollamaSrv := newFakeOllama(t)
	cfg := testGatewayConfig(t, ollamaSrv.URL)

	var messages []bus.InboundMessage
	for i := range 12 {
		messages = append(messages, inbound(fmt.Sprintf("fake:%d", i), fmt.Sprintf("prompt-%d", i)))
	}
	adapter := newScriptedAdapter(messages...)

	svc, err := NewService(cfg, []channel.Adapter{adapter}, nil)
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)

	require.Eventually(t, func() bool {
		return len(adapter.deliveries()) == 12 && svc.currentStatus("ok").Processed == 12
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	waitRunExit(t, errCh)

	delivered := adapter.deliveries()
	for i, msg := range delivered {
		require.Equal(t, fmt.Sprintf("fake:%d", i), msg.To)
		require.JSONEq(t, fmt.Sprintf(`{"response":"ok:prompt-%d"}`, i), string(msg.Payload))
	}
}

func TestGatewayServiceReadyzTransitionsOnOllamaHealthRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake, ollamaSrv := newFakeOllama(t)
	fake.healthy.Store(false)
	cfg := testGatewayConfig(t, ollamaSrv.URL)

	svc, err := NewService(cfg, nil, nil)
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/healthz", 3*time.Second))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, baseURL+"/readyz", 3*time.Second))

	fake.healthy.Store(true)
	require.NoError(t, svc.checkOllamaHealth(ctx))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/readyz", 3*time.Second))

	fake.healthy.Store(false)
	require.Error(t, svc.checkOllamaHealth(ctx))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, baseURL+"/readyz", 3*time.Second))

	cancel()
	waitRunExit(t, errCh)
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
