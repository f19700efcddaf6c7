package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/inferchat/chat"
	"github.com/BaSui01/inferchat/config"
	"github.com/BaSui01/inferchat/internal/metrics"
	"github.com/BaSui01/inferchat/internal/server"
	"github.com/BaSui01/inferchat/llm"
	"github.com/BaSui01/inferchat/llm/cache"
	ctxwin "github.com/BaSui01/inferchat/llm/context"
)

// stubProvider 固定回复的 Provider，避免测试触网。
type stubProvider struct {
	reply string
}

func (p *stubProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Delta: p.reply}
	ch <- llm.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *stubProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: p.reply}, nil
}

func (p *stubProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *stubProvider) Name() string { return "stub" }

var testMetricsSeq uint64

// newTestServer 手工组装 Server，绕开真实 HuggingFace 后端。
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Cache.Redis.Addr = "" // 只用内存缓存

	logger := zap.NewNop()
	cacheMgr := cache.NewManager(cache.Config{
		TTL:     cfg.Cache.TTL,
		MaxSize: cfg.Cache.MaxSize,
	}, logger)
	t.Cleanup(func() { cacheMgr.Close() })

	provider := &stubProvider{reply: "stub reply"}
	// 每个测试独立的命名空间，避免 Prometheus 重复注册
	ns := fmt.Sprintf("srv_test_%d", atomic.AddUint64(&testMetricsSeq, 1))
	collector := metrics.NewCollector(ns, logger)

	s := &Server{
		cfg:              cfg,
		logger:           logger,
		provider:         provider,
		cacheMgr:         cacheMgr,
		metricsCollector: collector,
	}
	s.registry = chat.NewRegistry(func(sessionID string) (*chat.Client, error) {
		window := ctxwin.NewWindow(cfg.Chat.MaxContextLength, cfg.Chat.SystemPrompt)
		return chat.NewClient(sessionID, provider, cacheMgr, window, chat.Options{
			Model: cfg.Chat.Model,
			Generation: llm.GenerationConfig{
				Temperature:       float32(cfg.Chat.Temperature),
				TopP:              float32(cfg.Chat.TopP),
				MaxTokens:         cfg.Chat.MaxTokens,
				RepetitionPenalty: float32(cfg.Chat.RepetitionPenalty),
			},
			RequestTimeout: cfg.Chat.RequestTimeout,
		}, logger)
	})
	return s
}

func TestHandleChatStream_HappyPath(t *testing.T) {
	s := newTestServer(t)

	body := `{"session_id":"s1","prompt":"Hello"}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleChatStream(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	out := w.Body.String()
	assert.Contains(t, out, "stub reply")
	assert.Contains(t, out, `"finish_reason":"stop"`)
	assert.Contains(t, out, "data: [DONE]")
}

func TestHandleChatStream_BadRequests(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing prompt", `{"session_id":"s1"}`},
		{"missing session", `{"prompt":"hi"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			s.handleChatStream(w, r)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleSessionReset(t *testing.T) {
	s := newTestServer(t)

	// 先跑一轮建立会话状态
	body := `{"session_id":"s1","prompt":"Hello"}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	s.handleChatStream(httptest.NewRecorder(), r)

	r = httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/reset", nil)
	r.SetPathValue("id", "s1")
	w := httptest.NewRecorder()
	s.handleSessionReset(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["reset"])
}

func TestHandleCacheClear(t *testing.T) {
	s := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil)
	w := httptest.NewRecorder()
	s.handleCacheClear(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["cleared"])
	assert.Equal(t, "memory", resp["backend"])
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "memory", resp["cache_backend"])
}

func TestHandleVersion(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleVersion(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["version"])
}

func TestServer_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Server.HTTPPort = 0

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	srv := server.NewManager(Chain(mux, Recovery(s.logger), RequestID()), server.Config{
		Addr:            ":0",
		ShutdownTimeout: 5 * time.Second,
	}, s.logger)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	resp, err := http.Post(
		"http://"+srv.Addr()+"/v1/chat/stream",
		"application/json",
		strings.NewReader(`{"session_id":"e2e","prompt":"Hello"}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
