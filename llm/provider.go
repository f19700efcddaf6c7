package llm

import (
	"context"
	"fmt"
	"time"
)

// 统一的推理错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"  // 参数/格式错误
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"     // 未授权或 Token 失效
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"     // 上游或本地限流
	ErrModelLoading    ErrorCode = "LLM_MODEL_LOADING"    // 模型冷启动中（HF 503）
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT" // 上游超时
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"   // 上游 5xx/网络错误
	ErrStreamAborted   ErrorCode = "LLM_STREAM_ABORTED"   // 流被调用方取消
)

// Error 是推理层的统一错误类型。
// 缓存层的失败不使用本类型：缓存是优化而非正确性要求，
// 其失败在缓存层内部消化（见 llm/cache）。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 会话消息。Timestamp 仅用于展示与审计，
// 不参与缓存键计算（见 cache.HashKeyStrategy）。
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// GenerationConfig 生成参数。参与缓存键计算，单次请求内不可变。
type GenerationConfig struct {
	Temperature       float32 `json:"temperature" yaml:"temperature"`
	TopP              float32 `json:"top_p" yaml:"top_p"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	RepetitionPenalty float32 `json:"repetition_penalty" yaml:"repetition_penalty"`
}

// Validate 校验生成参数范围。构造期快速失败，请求期不再检查。
func (g GenerationConfig) Validate() error {
	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %v", g.Temperature)
	}
	if g.TopP <= 0 || g.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", g.TopP)
	}
	if g.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", g.MaxTokens)
	}
	if g.RepetitionPenalty < 1 {
		return fmt.Errorf("repetition_penalty must be >= 1, got %v", g.RepetitionPenalty)
	}
	return nil
}

// ChatRequest 一次推理请求。Messages 必须是已裁剪后的上下文窗口，
// 裁剪先于缓存键计算发生（见 context.Window）。
type ChatRequest struct {
	TraceID    string           `json:"trace_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Model      string           `json:"model"`
	Messages   []Message        `json:"messages"`
	Generation GenerationConfig `json:"generation"`
	Timeout    time.Duration    `json:"timeout,omitempty"`
}

// ChatUsage token 用量统计。
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatResponse 非流式完整响应。
type ChatResponse struct {
	ID        string    `json:"id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Usage     ChatUsage `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StreamChunk 流式响应的一个增量片段。
// 终止条件：FinishReason 非空（正常结束）或 Err 非空（失败），
// 之后 channel 关闭，流不可重放。
type StreamChunk struct {
	Delta        string     `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Cached       bool       `json:"cached,omitempty"` // 命中缓存的合成重放
	Usage        *ChatUsage `json:"usage,omitempty"`  // 最终 chunk 可带 usage
	Err          *Error     `json:"error,omitempty"`
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义统一的推理服务适配接口。
// Stream 返回的 channel 由实现方在流结束（正常或失败）后关闭；
// 取消 ctx 会中止底层连接并尽快关闭 channel。
type Provider interface {
	// Completion 发起同步请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式请求，返回增量响应通道
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck 执行轻量级健康检查，返回延迟与可用性信息
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
