package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/internal/analyzer"
	"github.com/relayproxy/relay/internal/breaker"
	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/dispatch"
	"github.com/relayproxy/relay/internal/metrics"
	"github.com/relayproxy/relay/internal/pool"
	"github.com/relayproxy/relay/internal/providers"
	"github.com/relayproxy/relay/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newDispatcher wires a dispatcher whose providers point at httptest servers.
func newDispatcher(t *testing.T, cfg *config.Config, registry *providers.Registry) *dispatch.Dispatcher {
	t.Helper()

	if cfg.Mode == "" {
		cfg.Mode = config.ModeHeuristic
	}
	cfg.Retry = config.RetrySettings{
		Attempts:       1,
		InitialDelay:   time.Millisecond,
		RateLimitDelay: time.Millisecond,
		MaxDelay:       time.Millisecond,
	}

	p := pool.New(pool.Config{RequestTimeout: 5 * time.Second})
	t.Cleanup(p.Close)

	return dispatch.New(dispatch.Deps{
		Config:   cfg,
		Registry: registry,
		Router:   router.New(cfg, registry),
		Analyzer: analyzer.New(cfg.Mode, nil),
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
		Pool:     p,
		Metrics:  metrics.New(3.0),
		Ring:     router.NewRing(8),
		Logger:   discardLogger(),
	})
}

func registerProvider(t *testing.T, registry *providers.Registry, name, baseURL, model string) {
	t.Helper()
	require.NoError(t, registry.Register(&providers.Descriptor{
		Name:    name,
		BaseURL: baseURL,
		Model:   model,
		Timeout: 5 * time.Second,
	}))
}

func ollamaUpstream(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": content},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 12,
			"eval_count":        5,
		})
		_, _ = w.Write(raw)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func messagesBody(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"model":      "test-model",
		"max_tokens": 128,
		"messages": []map[string]any{
			{"role": "user", "content": text},
		},
	})
	return string(raw)
}

func TestMessages_Success(t *testing.T) {
	upstream := ollamaUpstream(t, "short answer")
	registry := providers.NewRegistry()
	registerProvider(t, registry, providers.Ollama, upstream.URL, "qwen-test")

	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Ollama}, registry), discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody("explain the cache"))))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, providers.Ollama, rec.Header().Get("X-Routed-Provider"))

	var resp canonical.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Content)
	assert.Equal(t, "short answer", resp.Content[0].Text)
	assert.Equal(t, 12, resp.Usage.InputTokens)
}

func TestMessages_MethodNotAllowed(t *testing.T) {
	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Ollama}, providers.NewRegistry()), discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMessages_BadBodies(t *testing.T) {
	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Ollama}, providers.NewRegistry()), discardLogger())

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed json", "{not json", "parse request body"},
		{"no messages", `{"model":"m","max_tokens":10}`, "messages must not be empty"},
		{"empty messages", `{"model":"m","max_tokens":10,"messages":[]}`, "messages must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
		})
	}
}

func TestMessages_UpstreamErrorMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model not found"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	registry := providers.NewRegistry()
	registerProvider(t, registry, providers.Ollama, srv.URL, "qwen-test")
	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Ollama}, registry), discardLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(messagesBody("hello world question"))))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var payload struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, dispatch.KindInvalidRequest, payload.Error.Kind)
	assert.Equal(t, "model not found", payload.Error.Message)
}

func TestMessages_StreamDowngradesToBatch(t *testing.T) {
	upstream := ollamaUpstream(t, "batch fallback")
	registry := providers.NewRegistry()
	registerProvider(t, registry, providers.Ollama, upstream.URL, "qwen-test")
	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Ollama}, registry), discardLogger())

	body := `{"model":"m","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"explain the design"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), "non-streamable families serve batch JSON")

	var resp canonical.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Content)
	assert.Equal(t, "batch fallback", resp.Content[0].Text)
}

func TestMessages_StreamUpstreamRejectionIsFinal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad request upstream"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	registry := providers.NewRegistry()
	registerProvider(t, registry, providers.Anthropic, srv.URL, "claude-test")
	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Anthropic}, registry), discardLogger())

	body := `{"model":"m","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"stream this"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

	// A 4xx relayed from the provider must not trigger a second, batch
	// dispatch; only the non-upstream "cannot stream" rejection downgrades.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad request upstream")
	assert.Equal(t, int64(1), calls.Load())
}

func TestMessages_StreamPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
	}))
	defer srv.Close()

	registry := providers.NewRegistry()
	registerProvider(t, registry, providers.Anthropic, srv.URL, "claude-test")
	h := NewMessagesHandler(newDispatcher(t, &config.Config{Provider: providers.Anthropic}, registry), discardLogger())

	body := `{"model":"m","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"stream the answer"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, providers.Anthropic, rec.Header().Get("X-Routed-Provider"))
	assert.Contains(t, rec.Body.String(), "message_start")
	assert.Contains(t, rec.Body.String(), "message_stop")
}
