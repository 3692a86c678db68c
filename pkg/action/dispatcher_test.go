package action

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/config"
)

type recordedCall struct {
	Path string
	Body string
}

type fakeOllama struct {
	t     *testing.T
	mu    sync.Mutex
	calls []recordedCall
	srv   *httptest.Server
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOllama) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Path: r.URL.Path, Body: string(body)})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/chat":
		prompt := gjson.GetBytes(body, "messages.#(role==\"user\").content").String()
		if prompt == "explode" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "upstream exploded")
			return
		}
		if prompt == "missing model" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model \"llama3.2\" not found, try pulling it first"}`)
			return
		}
		if prompt == "sparse" {
			_, _ = io.WriteString(w, `{"message":{"content":"partial"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"model":"from-server","message":{"role":"assistant","content":"reply to `+prompt+`"},"done":true,"total_duration":99,"eval_count":3}`)
	case "/api/generate":
		_, _ = io.WriteString(w, `{"response":"generated"}`)
	case "/api/embed":
		_, _ = io.WriteString(w, `{"embeddings":[[0.5,0.25]]}`)
	case "/api/tags":
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3.2:latest","details":{"family":"llama"}}]}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeOllama) config() config.Resolved {
	return config.Resolved{BaseURL: f.srv.URL, DefaultModel: "llama3.2"}
}

func (f *fakeOllama) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeOllama) lastCall() recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		f.t.Fatal("no calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func dispatchJSON(t *testing.T, d *Dispatcher, cfg config.Resolved, input string) string {
	t.Helper()
	result, err := d.Dispatch(context.Background(), []byte(input), cfg)
	if err != nil {
		t.Fatalf("Dispatch(%s) error: %v", input, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return string(encoded)
}

func TestMissingActionBehavesAsChat(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	implicit := dispatchJSON(t, d, fake.config(), `{"prompt":"Hi"}`)
	implicitBody := fake.lastCall().Body
	explicit := dispatchJSON(t, d, fake.config(), `{"action":"chat","prompt":"Hi"}`)
	explicitBody := fake.lastCall().Body

	if implicit != explicit {
		t.Fatalf("implicit = %s, explicit = %s", implicit, explicit)
	}
	if implicitBody != explicitBody {
		t.Fatalf("request bodies differ: %s vs %s", implicitBody, explicitBody)
	}
}

func TestNonStringActionBehavesAsChat(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"action":7,"prompt":"Hi"}`)
	if !strings.Contains(got, `"content":"reply to Hi"`) {
		t.Fatalf("result = %s, want chat result", got)
	}
}

func TestUnknownActionEchoesName(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	for _, name := range []string{"dance", "", "CHAT", "unknown action"} {
		input, _ := json.Marshal(map[string]string{"action": name})
		got := dispatchJSON(t, d, fake.config(), string(input))
		want, _ := json.Marshal(map[string]string{"error": "unknown action: " + name})
		if got != string(want) {
			t.Fatalf("action %q result = %s, want %s", name, got, want)
		}
	}
	if fake.callCount() != 0 {
		t.Fatalf("server calls = %d, want 0", fake.callCount())
	}
}

func TestChatSynthesizesMessagesFromPrompt(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	dispatchJSON(t, d, fake.config(), `{"prompt":"Hi"}`)

	call := fake.lastCall()
	if call.Path != "/api/chat" {
		t.Fatalf("path = %q", call.Path)
	}
	messages := gjson.Get(call.Body, "messages").Raw
	want := `[{"role":"system","content":"You are a helpful assistant."},{"role":"user","content":"Hi"}]`
	if messages != want {
		t.Fatalf("messages = %s, want %s", messages, want)
	}
	if gjson.Get(call.Body, "stream").Type != gjson.False {
		t.Fatalf("stream = %s, want false", gjson.Get(call.Body, "stream").Raw)
	}
	if gjson.Get(call.Body, "model").String() != "llama3.2" {
		t.Fatalf("model = %s", gjson.Get(call.Body, "model").Raw)
	}
}

func TestChatUsesCustomSystemPrompt(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	dispatchJSON(t, d, fake.config(), `{"prompt":"Hi","system":"Answer in French."}`)

	if got := gjson.Get(fake.lastCall().Body, "messages.0.content").String(); got != "Answer in French." {
		t.Fatalf("system content = %q", got)
	}
}

func TestChatMessagesTakePrecedenceOverPrompt(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	messages := `[{"role":"user","content":"from messages"}]`
	got := dispatchJSON(t, d, fake.config(), `{"prompt":"ignored","messages":`+messages+`}`)

	if sent := gjson.Get(fake.lastCall().Body, "messages").Raw; sent != messages {
		t.Fatalf("sent messages = %s, want %s", sent, messages)
	}
	if !strings.Contains(got, `"content":"reply to from messages"`) {
		t.Fatalf("result = %s", got)
	}
}

func TestChatModelOverride(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	dispatchJSON(t, d, fake.config(), `{"prompt":"Hi","model":"mistral"}`)
	if got := gjson.Get(fake.lastCall().Body, "model").String(); got != "mistral" {
		t.Fatalf("model = %q, want mistral", got)
	}
}

func TestChatNormalizedResult(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"prompt":"Hi"}`)
	want := `{"content":"reply to Hi","model":"from-server","done":true,"total_duration":99,"eval_count":3}`
	if got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestChatFallbacksWhenResponseOmitsFields(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"prompt":"sparse","model":"phi3"}`)
	want := `{"content":"partial","model":"phi3","done":true,"total_duration":null,"eval_count":null}`
	if got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestMissingInputErrors(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "chat empty", input: `{}`, want: `{"error":"prompt or messages required"}`},
		{name: "chat empty prompt", input: `{"action":"chat","prompt":""}`, want: `{"error":"prompt or messages required"}`},
		{name: "chat non-string prompt", input: `{"prompt":5}`, want: `{"error":"prompt or messages required"}`},
		{name: "generate missing", input: `{"action":"generate"}`, want: `{"error":"prompt is required"}`},
		{name: "generate empty", input: `{"action":"generate","prompt":""}`, want: `{"error":"prompt is required"}`},
		{name: "embeddings empty", input: `{"action":"embeddings","text":""}`, want: `{"error":"text is required"}`},
		{name: "embeddings missing", input: `{"action":"embeddings"}`, want: `{"error":"text is required"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dispatchJSON(t, d, fake.config(), tt.input); got != tt.want {
				t.Fatalf("result = %s, want %s", got, tt.want)
			}
		})
	}
	if fake.callCount() != 0 {
		t.Fatalf("server calls = %d, want 0", fake.callCount())
	}
}

func TestGenerate(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"action":"generate","prompt":"write a haiku","model":"codellama"}`)

	call := fake.lastCall()
	if call.Path != "/api/generate" {
		t.Fatalf("path = %q", call.Path)
	}
	if gjson.Get(call.Body, "prompt").String() != "write a haiku" || gjson.Get(call.Body, "model").String() != "codellama" {
		t.Fatalf("body = %s", call.Body)
	}
	if want := `{"response":"generated","model":"codellama","done":true}`; got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestEmbeddingsIgnoresRequestModel(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"action":"embeddings","text":"abc","model":"mistral"}`)

	call := fake.lastCall()
	if call.Path != "/api/embed" {
		t.Fatalf("path = %q", call.Path)
	}
	if gjson.Get(call.Body, "model").String() != "llama3.2" || gjson.Get(call.Body, "input").String() != "abc" {
		t.Fatalf("body = %s", call.Body)
	}
	if want := `{"embeddings":[[0.5,0.25]],"model":"llama3.2"}`; got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestListModelsPassesResponseThrough(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"action":"list_models"}`)

	var gotValue, wantValue any
	if err := json.Unmarshal([]byte(got), &gotValue); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	_ = json.Unmarshal([]byte(`{"models":[{"name":"llama3.2:latest","details":{"family":"llama"}}]}`), &wantValue)
	gotJSON, _ := json.Marshal(gotValue)
	wantJSON, _ := json.Marshal(wantValue)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("result = %s, want %s", gotJSON, wantJSON)
	}
	if fake.lastCall().Path != "/api/tags" {
		t.Fatalf("path = %q", fake.lastCall().Path)
	}
}

func TestInvalidInputIsInfrastructureError(t *testing.T) {
	d := NewDispatcher(Options{})

	_, err := d.Dispatch(context.Background(), []byte("{not json"), config.Resolve(nil))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestMalformedResponseIsInfrastructureError(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	if _, err := d.Dispatch(context.Background(), []byte(`{"prompt":"explode"}`), fake.config()); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestUnreachableServerIsInfrastructureError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewDispatcher(Options{})
	_, err := d.Dispatch(context.Background(), []byte(`{"action":"list_models"}`), config.Resolved{BaseURL: url, DefaultModel: "m"})
	if err == nil {
		t.Fatal("expected transport error")
	}
}

type memoryMailbox struct {
	mu       sync.Mutex
	messages []bus.InboundMessage
	sent     map[string][]any
}

func (m *memoryMailbox) Receive(_ context.Context, max int) ([]bus.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(max, len(m.messages))
	batch := m.messages[:n]
	m.messages = m.messages[n:]
	return batch, nil
}

func (m *memoryMailbox) Send(_ context.Context, recipient string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[string][]any{}
	}
	m.sent[recipient] = append(m.sent[recipient], payload)
	return nil
}

func TestPollRelaysThroughChat(t *testing.T) {
	fake := newFakeOllama(t)
	mailbox := &memoryMailbox{messages: []bus.InboundMessage{
		{From: "alice", Payload: json.RawMessage(`{"prompt":""}`)},
		{From: "bob", Payload: json.RawMessage(`{"prompt":"explode"}`)},
		{From: "carol", Payload: json.RawMessage(`{"prompt":"hello"}`)},
	}}
	d := NewDispatcher(Options{Mailbox: mailbox})

	got := dispatchJSON(t, d, fake.config(), `{"action":"poll"}`)

	want := `{"processed":1,"results":[{"from":"carol","response":"reply to hello"}]}`
	if got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
	if len(mailbox.sent) != 1 || len(mailbox.sent["carol"]) != 1 {
		t.Fatalf("sent = %#v, want one relay to carol", mailbox.sent)
	}
	reply, _ := json.Marshal(mailbox.sent["carol"][0])
	if string(reply) != `{"response":"reply to hello"}` {
		t.Fatalf("relay payload = %s", reply)
	}
}

func TestPollRelaysErrorDocumentAsEmptyReply(t *testing.T) {
	fake := newFakeOllama(t)
	mailbox := &memoryMailbox{messages: []bus.InboundMessage{
		{From: "dave", Payload: json.RawMessage(`{"prompt":"missing model"}`)},
	}}
	d := NewDispatcher(Options{Mailbox: mailbox})

	got := dispatchJSON(t, d, fake.config(), `{"action":"poll"}`)

	if want := `{"processed":1,"results":[{"from":"dave","response":""}]}`; got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
	reply, _ := json.Marshal(mailbox.sent["dave"][0])
	if string(reply) != `{"response":""}` {
		t.Fatalf("relay payload = %s", reply)
	}
}

func TestChatErrorDocumentIsNotAnInfrastructureError(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	got := dispatchJSON(t, d, fake.config(), `{"prompt":"missing model"}`)

	want := `{"content":"","model":"llama3.2","done":true,"total_duration":null,"eval_count":null}`
	if got != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestPollWithoutMailbox(t *testing.T) {
	fake := newFakeOllama(t)
	d := NewDispatcher(Options{})

	if got := dispatchJSON(t, d, fake.config(), `{"action":"poll"}`); got != `{"processed":0,"results":[]}` {
		t.Fatalf("result = %s", got)
	}
}
