package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/inferchat/chat"
	"github.com/BaSui01/inferchat/config"
	"github.com/BaSui01/inferchat/internal/metrics"
	"github.com/BaSui01/inferchat/internal/server"
	"github.com/BaSui01/inferchat/internal/telemetry"
	"github.com/BaSui01/inferchat/llm"
	"github.com/BaSui01/inferchat/llm/cache"
	ctxwin "github.com/BaSui01/inferchat/llm/context"
	"github.com/BaSui01/inferchat/llm/providers/huggingface"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 InferChat 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager *server.Manager

	// 核心组件
	provider llm.Provider
	cacheMgr *cache.Manager
	registry *chat.Registry

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测
	otelProviders *telemetry.Providers

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例并组装核心组件
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}

	// 推理后端
	s.provider = huggingface.New(huggingface.Config{
		BaseURL:       cfg.HuggingFace.BaseURL,
		APIToken:      cfg.HuggingFace.APIToken,
		HeaderTimeout: cfg.HuggingFace.HeaderTimeout,
	}, logger)

	// 响应缓存。Redis 不可用时 NewManager 内部自动降级到内存，
	// 不阻塞启动
	s.cacheMgr = cache.NewManager(cache.Config{
		TTL:           cfg.Cache.TTL,
		MaxSize:       cfg.Cache.MaxSize,
		RetryInterval: cfg.Cache.RetryInterval,
		Redis: cache.RedisConfig{
			Addr:         cfg.Cache.Redis.Addr,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			PoolSize:     cfg.Cache.Redis.PoolSize,
			MinIdleConns: cfg.Cache.Redis.MinIdleConns,
			DialTimeout:  cfg.Cache.Redis.DialTimeout,
		},
	}, logger)

	// 指标
	s.metricsCollector = metrics.NewCollector("inferchat", logger)

	// 会话注册表：每个会话一个独立的上下文窗口与客户端
	s.registry = chat.NewRegistry(func(sessionID string) (*chat.Client, error) {
		window := ctxwin.NewWindow(cfg.Chat.MaxContextLength, cfg.Chat.SystemPrompt)
		client, err := chat.NewClient(sessionID, s.provider, s.cacheMgr, window, chat.Options{
			Model: cfg.Chat.Model,
			Generation: llm.GenerationConfig{
				Temperature:       float32(cfg.Chat.Temperature),
				TopP:              float32(cfg.Chat.TopP),
				MaxTokens:         cfg.Chat.MaxTokens,
				RepetitionPenalty: float32(cfg.Chat.RepetitionPenalty),
			},
			RequestTimeout:  cfg.Chat.RequestTimeout,
			ReplayChunkSize: cfg.Chat.ReplayChunkSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client.WithRecorder(s.metricsCollector), nil
	})

	return s, nil
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动 HTTP 服务器
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// 健康检查与元信息
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	// 对话 API
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleSessionReset)
	mux.HandleFunc("POST /v1/cache/clear", s.handleCacheClear)

	// 构建中间件链
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started",
		zap.Int("port", s.cfg.Server.HTTPPort),
		zap.String("model", s.cfg.Chat.Model),
		zap.String("cache_backend", s.cacheMgr.ActiveBackend()),
	)
	return nil
}

// =============================================================================
// 💬 对话 Handlers
// =============================================================================

// chatStreamRequest POST /v1/chat/stream 的请求体
type chatStreamRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// handleChatStream 处理一次对话请求，以 SSE 流式返回响应片段
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id and prompt are required")
		return
	}

	client, err := s.registry.Get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	ch, err := client.Stream(r.Context(), req.Prompt)
	if err != nil {
		s.writeStreamError(w, err)
		return
	}

	sse, err := server.NewSSEWriter(w)
	if err != nil {
		s.logger.Error("sse writer unavailable", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	for chunk := range ch {
		if err := sse.WriteChunk(chunk); err != nil {
			// 客户端断开：Stream 侧通过 r.Context() 取消感知并回滚
			s.logger.Debug("client disconnected during stream", zap.Error(err))
			return
		}
	}
	_ = sse.WriteDone()
}

// handleChatWS 处理 WebSocket 双向对话：每收到一条 prompt，
// 回一串响应片段和一个 done 标记
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id query parameter is required")
		return
	}

	client, err := s.registry.Get(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn := server.NewWSConn(wsConn, s.logger)
	defer conn.Close()

	ctx := r.Context()
	for {
		prompt, err := conn.ReadPrompt(ctx)
		if err != nil {
			// 连接关闭或对端离开
			return
		}

		ch, err := client.Stream(ctx, prompt)
		if err != nil {
			chunk := llm.StreamChunk{Err: toLLMError(err)}
			if writeErr := conn.WriteChunk(ctx, chunk); writeErr != nil {
				return
			}
			continue
		}

		for chunk := range ch {
			if err := conn.WriteChunk(ctx, chunk); err != nil {
				return
			}
		}
		if err := conn.WriteDone(ctx); err != nil {
			return
		}
	}
}

// handleSessionReset 清空指定会话的上下文窗口
func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return
	}

	if err := s.registry.Reset(sessionID); err != nil {
		if errors.Is(err, chat.ErrBusy) {
			writeError(w, http.StatusConflict, "busy", "session has an in-flight request")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "reset": true})
}

// handleCacheClear 清空当前缓存后端的所有条目
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.cacheMgr.Clear(ctx); err != nil {
		writeError(w, http.StatusBadGateway, "cache_unavailable", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "backend": s.cacheMgr.ActiveBackend()})
}

// =============================================================================
// 🏥 健康检查与版本
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		status = map[string]any{
			"status":        "ok",
			"cache_backend": s.cacheMgr.ActiveBackend(),
			"cache_enabled": s.cacheMgr.Enabled(),
			"sessions":      s.registry.Len(),
		}
	)

	// 并行探活。缓存后端失败不拉低服务整体健康（缓存会自动降级），
	// 推理后端失败则整体降级为 degraded
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.cacheMgr.Ping(gctx); err != nil {
			mu.Lock()
			status["cache_backend_error"] = err.Error()
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		hs, err := s.provider.HealthCheck(gctx)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			status["status"] = "degraded"
			status["provider_error"] = err.Error()
		case !hs.Healthy:
			status["status"] = "degraded"
		}
		return nil
	})
	_ = g.Wait()

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有组件
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭缓存连接
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}

	// 4. 刷写遥测数据
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 响应辅助函数
// =============================================================================

// writeStreamError 把 Stream 的同步错误映射为 HTTP 状态码
func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrBusy) {
		writeError(w, http.StatusConflict, "busy", "session has an in-flight request")
		return
	}

	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		status := llmErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeError(w, status, string(llmErr.Code), llmErr.Message)
		return
	}

	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

// toLLMError 把任意错误包装为 llm.Error，供 WebSocket 事件携带
func toLLMError(err error) *llm.Error {
	if errors.Is(err, chat.ErrBusy) {
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: "session has an in-flight request", HTTPStatus: http.StatusConflict}
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	return &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
