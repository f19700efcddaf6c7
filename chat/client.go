package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/inferchat/llm"
	"github.com/BaSui01/inferchat/llm/cache"
	ctxwin "github.com/BaSui01/inferchat/llm/context"
	"github.com/BaSui01/inferchat/llm/tokenizer"
)

// ErrBusy 同一会话同时只允许一个在途请求。
var ErrBusy = errors.New("session has an in-flight request")

// State 单次请求的状态机状态。
type State string

const (
	StateIdle       State = "idle"
	StateCheckCache State = "check_cache"
	StateReplay     State = "replay"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Options 客户端请求参数
type Options struct {
	// 模型标识
	Model string
	// 生成参数（构造期校验，请求期不可变）
	Generation llm.GenerationConfig
	// 片段间空闲超时：超过该时长未收到新片段则中止本次请求
	RequestTimeout time.Duration
	// 缓存命中时合成重放的片段大小（rune 数）
	ReplayChunkSize int
}

// Client 管理单个会话的推理请求：先查缓存，未命中才发起真实
// 流式调用，完整成功后写回缓存并追加 assistant 轮。
//
// 每次请求的状态机：
//
//	IDLE → CHECK_CACHE → REPLAY（命中）  → DONE
//	                   → STREAMING（未命中）→ DONE | FAILED
//
// 会话独占自己的上下文窗口；同一会话的并发请求被拒绝（ErrBusy），
// 跨会话的缓存并发安全由 cache.Manager 保证。
type Client struct {
	sessionID string
	provider  llm.Provider
	cache     *cache.Manager
	window    *ctxwin.Window
	tok       tokenizer.Tokenizer
	opts      Options
	logger    *zap.Logger
	recorder  Recorder

	mu       sync.Mutex
	inFlight bool
	state    State
	usage    llm.ChatUsage
	// 请求开始前的窗口快照，失败/取消时整窗恢复。
	// Append 在追加时即裁剪，满窗时只删最后一条找不回被挤出的旧轮
	snapshot []llm.Message
}

// Recorder 观测回调。由 internal/metrics 实现，nil 时不记录。
type Recorder interface {
	CacheHit(backend string)
	CacheMiss(backend string)
	TurnCompleted(state string, duration time.Duration)
	TokensUsed(prompt, completion int)
}

// NewClient 创建会话客户端。Generation 参数在此处校验，
// 非法参数立即失败，不会进入任何请求。
func NewClient(
	sessionID string,
	provider llm.Provider,
	cacheMgr *cache.Manager,
	window *ctxwin.Window,
	opts Options,
	logger *zap.Logger,
) (*Client, error) {
	if err := opts.Generation.Validate(); err != nil {
		return nil, err
	}
	if opts.Model == "" {
		return nil, errors.New("model must not be empty")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ReplayChunkSize <= 0 {
		opts.ReplayChunkSize = 24
	}

	return &Client{
		sessionID: sessionID,
		provider:  provider,
		cache:     cacheMgr,
		window:    window,
		tok:       tokenizer.ForModel(opts.Model),
		opts:      opts,
		logger: logger.With(
			zap.String("component", "chat_client"),
			zap.String("session_id", sessionID),
		),
		state: StateIdle,
	}, nil
}

// WithRecorder 设置观测回调。
func (c *Client) WithRecorder(r Recorder) *Client {
	c.recorder = r
	return c
}

// State 返回最近一次请求的状态。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight 返回会话当前是否有在途请求。
func (c *Client) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Usage 返回会话累计 token 用量（只统计成功完成的轮次）。
func (c *Client) Usage() llm.ChatUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Reset 清空会话上下文窗口。有在途请求时拒绝。
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrBusy
	}
	c.window.Clear()
	c.state = StateIdle
	return nil
}

// Stream 处理一次用户输入，返回响应片段通道。
// 通道由本方法的后台 goroutine 关闭；最后一个片段要么携带
// FinishReason（成功），要么携带 Err（失败）。失败与取消都不会
// 在缓存或上下文窗口中留下本次请求的痕迹。
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan llm.StreamChunk, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.inFlight = true
	c.state = StateCheckCache

	// 裁剪先于键计算：追加 user 轮后取到的即是裁剪完的窗口
	c.snapshot = c.window.Messages()
	c.window.Append(llm.RoleUser, prompt)
	req := &llm.ChatRequest{
		TraceID:    uuid.NewString(),
		SessionID:  c.sessionID,
		Model:      c.opts.Model,
		Messages:   c.window.PromptMessages(),
		Generation: c.opts.Generation,
		Timeout:    c.opts.RequestTimeout,
	}
	c.mu.Unlock()

	start := time.Now()
	logger := c.logger.With(zap.String("trace_id", req.TraceID))

	if cached, err := c.cache.Lookup(ctx, req); err == nil {
		logger.Info("cache hit, replaying",
			zap.String("backend", c.cache.ActiveBackend()),
			zap.Int("size", len(cached)))
		c.record(func(r Recorder) { r.CacheHit(c.cache.ActiveBackend()) })
		c.setState(StateReplay)

		ch := make(chan llm.StreamChunk)
		go c.replay(ctx, ch, req, cached, start, logger)
		return ch, nil
	}

	logger.Debug("cache miss, opening stream")
	c.record(func(r Recorder) { r.CacheMiss(c.cache.ActiveBackend()) })
	c.setState(StateStreaming)

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := c.provider.Stream(streamCtx, req)
	if err != nil {
		cancel()
		c.fail(logger, start)
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go c.consume(ctx, cancel, ch, upstream, req, start, logger)
	return ch, nil
}

// replay 将缓存文本按固定大小切片后合成重放，保持与真实流
// 一致的消费契约。重放不发起任何外部调用。
func (c *Client) replay(ctx context.Context, ch chan<- llm.StreamChunk, req *llm.ChatRequest, cached string, start time.Time, logger *zap.Logger) {
	defer close(ch)

	runes := []rune(cached)
	for i := 0; i < len(runes); i += c.opts.ReplayChunkSize {
		end := i + c.opts.ReplayChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		select {
		case ch <- llm.StreamChunk{Delta: string(runes[i:end]), Cached: true}:
		case <-ctx.Done():
			c.abort(logger, start)
			return
		}
	}

	usage := c.accountUsage(req, cached)
	c.finish(cached, logger, start)
	deliver(ctx, ch, llm.StreamChunk{FinishReason: "stop", Cached: true, Usage: &usage})
}

// deliver 将终止片段交给消费者。消费者已取消时放弃投递，
// 避免发送方 goroutine 在无人接收的 channel 上永久阻塞。
func deliver(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) {
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

// consume 消费真实流：片段即时转发并累积，完整成功后写缓存、
// 追加 assistant 轮；失败或取消则回滚 user 轮，不产生任何写入。
func (c *Client) consume(ctx context.Context, cancel context.CancelFunc, ch chan<- llm.StreamChunk, upstream <-chan llm.StreamChunk, req *llm.ChatRequest, start time.Time, logger *zap.Logger) {
	defer close(ch)
	defer cancel()

	var full []rune
	idle := time.NewTimer(c.opts.RequestTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			c.abort(logger, start)
			return

		case <-idle.C:
			// 片段间空闲超时：中止连接，按失败处理，不重试
			cancel()
			c.fail(logger, start)
			deliver(ctx, ch, llm.StreamChunk{Err: &llm.Error{
				Code:       llm.ErrUpstreamTimeout,
				Message:    "no stream fragment within request timeout",
				HTTPStatus: 504,
				Retryable:  true,
				Provider:   c.provider.Name(),
			}})
			return

		case chunk, ok := <-upstream:
			if !ok {
				// 上游未给终止信号就关闭：按失败处理
				c.fail(logger, start)
				deliver(ctx, ch, llm.StreamChunk{Err: &llm.Error{
					Code:       llm.ErrUpstreamError,
					Message:    "stream closed without finish signal",
					HTTPStatus: 502,
					Retryable:  true,
					Provider:   c.provider.Name(),
				}})
				return
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.opts.RequestTimeout)

			if chunk.Err != nil {
				// 部分输出已经转发给消费者，这里只补错误标记
				c.fail(logger, start)
				deliver(ctx, ch, chunk)
				return
			}

			if chunk.Delta != "" {
				full = append(full, []rune(chunk.Delta)...)
				select {
				case ch <- chunk:
				case <-ctx.Done():
					c.abort(logger, start)
					return
				}
			}

			if chunk.FinishReason != "" {
				text := string(full)
				// 缓存写入不绑定请求 ctx：请求即将结束，
				// 写入用独立的短超时
				storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				c.cache.Store(storeCtx, req, text)
				storeCancel()

				usage := c.accountUsage(req, text)
				c.finish(text, logger, start)
				deliver(ctx, ch, llm.StreamChunk{FinishReason: chunk.FinishReason, Usage: &usage})
				return
			}
		}
	}
}

// finish 成功结束：追加 assistant 轮并释放在途标记。
func (c *Client) finish(text string, logger *zap.Logger, start time.Time) {
	c.mu.Lock()
	c.window.Append(llm.RoleAssistant, text)
	c.state = StateDone
	c.inFlight = false
	c.mu.Unlock()

	logger.Info("turn completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("response_size", len(text)))
	c.record(func(r Recorder) { r.TurnCompleted(string(StateDone), time.Since(start)) })
}

// fail 失败结束：恢复请求前的窗口快照，窗口与缓存同请求前一致。
func (c *Client) fail(logger *zap.Logger, start time.Time) {
	c.mu.Lock()
	c.window.Restore(c.snapshot)
	c.state = StateFailed
	c.inFlight = false
	c.mu.Unlock()

	logger.Warn("turn failed",
		zap.Duration("duration", time.Since(start)))
	c.record(func(r Recorder) { r.TurnCompleted(string(StateFailed), time.Since(start)) })
}

// abort 消费者取消：语义同失败，但不补发错误片段（调用方已离开）。
func (c *Client) abort(logger *zap.Logger, start time.Time) {
	c.mu.Lock()
	c.window.Restore(c.snapshot)
	c.state = StateFailed
	c.inFlight = false
	c.mu.Unlock()

	logger.Info("turn aborted by consumer",
		zap.Duration("duration", time.Since(start)))
	c.record(func(r Recorder) { r.TurnCompleted("aborted", time.Since(start)) })
}

// accountUsage 估算本轮 token 用量并累加到会话总量。
func (c *Client) accountUsage(req *llm.ChatRequest, response string) llm.ChatUsage {
	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		contents[i] = m.Content
	}
	promptTokens := tokenizer.CountMessages(c.tok, contents)
	completionTokens, err := c.tok.CountTokens(response)
	if err != nil {
		completionTokens = len(response) / 4
	}

	usage := llm.ChatUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}

	c.mu.Lock()
	c.usage.PromptTokens += usage.PromptTokens
	c.usage.CompletionTokens += usage.CompletionTokens
	c.usage.TotalTokens += usage.TotalTokens
	c.mu.Unlock()

	c.record(func(r Recorder) { r.TokensUsed(usage.PromptTokens, usage.CompletionTokens) })
	return usage
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) record(fn func(Recorder)) {
	if c.recorder != nil {
		fn(c.recorder)
	}
}
