package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/inferchat/llm"
	"github.com/BaSui01/inferchat/llm/cache"
	ctxwin "github.com/BaSui01/inferchat/llm/context"
)

// fakeProvider 可编排的流式 Provider，记录外部调用次数。
type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	script func(ctx context.Context, req *llm.ChatRequest) <-chan llm.StreamChunk
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.script(ctx, req), nil
}

func (f *fakeProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scripted 返回一个按顺序发出片段后关闭的流。
func scripted(chunks ...llm.StreamChunk) func(context.Context, *llm.ChatRequest) <-chan llm.StreamChunk {
	return func(ctx context.Context, _ *llm.ChatRequest) <-chan llm.StreamChunk {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			for _, c := range chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch
	}
}

func okStream(parts ...string) func(context.Context, *llm.ChatRequest) <-chan llm.StreamChunk {
	chunks := make([]llm.StreamChunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.StreamChunk{Delta: p})
	}
	chunks = append(chunks, llm.StreamChunk{FinishReason: "stop"})
	return scripted(chunks...)
}

func defaultOptions() Options {
	return Options{
		Model: "test-model",
		Generation: llm.GenerationConfig{
			Temperature: 0.7, TopP: 0.9, MaxTokens: 1024, RepetitionPenalty: 1.1,
		},
		RequestTimeout: time.Second,
	}
}

func memoryManager(t *testing.T, ttl time.Duration) *cache.Manager {
	cfg := cache.DefaultConfig()
	cfg.Redis.Addr = ""
	cfg.TTL = ttl
	m := cache.NewManager(cfg, zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m
}

func newTestClient(t *testing.T, sessionID string, p llm.Provider, mgr *cache.Manager, maxContext int) (*Client, *ctxwin.Window) {
	w := ctxwin.NewWindow(maxContext, "")
	c, err := NewClient(sessionID, p, mgr, w, defaultOptions(), zap.NewNop())
	require.NoError(t, err)
	return c, w
}

// collect 读完整个流，返回拼接文本与终止片段。
func collect(t *testing.T, ch <-chan llm.StreamChunk) (string, llm.StreamChunk) {
	t.Helper()
	var full string
	var last llm.StreamChunk
	for chunk := range ch {
		full += chunk.Delta
		last = chunk
	}
	return full, last
}

func TestClient_MissStreamsAndCompletes(t *testing.T) {
	p := &fakeProvider{script: okStream("Hi", " there")}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "s1", p, mgr, 10)

	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)

	full, last := collect(t, ch)
	assert.Equal(t, "Hi there", full)
	assert.Equal(t, "stop", last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Greater(t, last.Usage.TotalTokens, 0)

	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, 2, w.Len(), "user + assistant turns appended")
	assert.Greater(t, c.Usage().TotalTokens, 0)
}

func TestClient_IdenticalWindowServedFromCache(t *testing.T) {
	p := &fakeProvider{script: okStream("Hi", " there")}
	mgr := memoryManager(t, time.Hour)

	// 会话 A 完成一轮，响应进入共享缓存
	a, _ := newTestClient(t, "session-a", p, mgr, 10)
	ch, err := a.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	collect(t, ch)
	require.Equal(t, 1, p.callCount())

	// 会话 B 的裁剪后窗口与 A 首轮完全一致 → 命中，零外部调用
	b, bw := newTestClient(t, "session-b", p, mgr, 10)
	ch, err = b.Stream(context.Background(), "Hello")
	require.NoError(t, err)

	full, last := collect(t, ch)
	assert.Equal(t, "Hi there", full)
	assert.True(t, last.Cached, "replayed chunks must be marked cached")
	assert.Equal(t, "stop", last.FinishReason)
	assert.Equal(t, 1, p.callCount(), "cache hit must not issue an external call")
	assert.Equal(t, StateDone, b.State())
	assert.Equal(t, 2, bw.Len(), "replay still appends both turns")
}

func TestClient_TrimmingPrecedesKeyComputation(t *testing.T) {
	p := &fakeProvider{script: okStream("response")}
	mgr := memoryManager(t, time.Hour)

	// 窗口上限 1：追加新 user 轮后旧历史全部裁掉，
	// 不同完整历史的会话收敛到相同的键
	a, _ := newTestClient(t, "session-a", p, mgr, 1)
	ch, err := a.Stream(context.Background(), "first prompt")
	require.NoError(t, err)
	collect(t, ch)

	ch, err = a.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	collect(t, ch)
	callsAfterA := p.callCount()

	b, _ := newTestClient(t, "session-b", p, mgr, 1)
	ch, err = b.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	full, _ := collect(t, ch)

	assert.Equal(t, "response", full)
	assert.Equal(t, callsAfterA, p.callCount(),
		"identical trimmed windows must hit the same cache entry")
}

func TestClient_StreamFailureRollsBack(t *testing.T) {
	p := &fakeProvider{script: scripted(
		llm.StreamChunk{Delta: "partial"},
		llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: "boom"}},
	)}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "s1", p, mgr, 10)

	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)

	var deltas string
	var failure *llm.Error
	for chunk := range ch {
		deltas += chunk.Delta
		if chunk.Err != nil {
			failure = chunk.Err
		}
	}

	// 部分输出交付给消费者，错误标记收尾
	assert.Equal(t, "partial", deltas)
	require.NotNil(t, failure)
	assert.Equal(t, llm.ErrUpstreamError, failure.Code)

	// 不缓存、不追加任何轮次
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 0, w.Len(), "failed turn must roll back the user message")
	assert.Equal(t, llm.ChatUsage{}, c.Usage())

	// 重试走真实调用：上次失败没有留下缓存条目
	p.script = okStream("recovered")
	ch, err = c.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	full, _ := collect(t, ch)
	assert.Equal(t, "recovered", full)
	assert.Equal(t, 2, p.callCount())
}

func TestClient_FailureAtFullWindowRestoresEvictedTurn(t *testing.T) {
	p := &fakeProvider{script: okStream("Hi")}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "s1", p, mgr, 2)

	// 一轮成功把窗口填满
	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	collect(t, ch)
	before := w.Messages()
	require.Len(t, before, 2)

	// 满窗时追加 user 轮会立即挤出最旧消息，
	// 失败回滚必须把它找回来，而不是只删掉 user 轮
	p.script = scripted(
		llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: "boom"}},
	)
	ch, err = c.Stream(context.Background(), "doomed")
	require.NoError(t, err)
	collect(t, ch)

	after := w.Messages()
	require.Equal(t, len(before), len(after), "failed turn must not shrink the window")
	for i := range before {
		assert.Equal(t, before[i].Role, after[i].Role)
		assert.Equal(t, before[i].Content, after[i].Content)
	}
}

func TestClient_AbandonedConsumerDoesNotBlockStream(t *testing.T) {
	p := &fakeProvider{script: scripted(
		llm.StreamChunk{Delta: "partial"},
		llm.StreamChunk{Err: &llm.Error{Code: llm.ErrUpstreamError, Message: "boom"}},
	)}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "s1", p, mgr, 10)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, "Hello")
	require.NoError(t, err)

	chunk := <-ch
	require.Equal(t, "partial", chunk.Delta)

	// 此刻错误片段已在补发路上，但消费者不再读取。
	// 取消后发送方必须放弃投递并关闭 channel，不能永久阻塞
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "no chunk may arrive after the consumer has gone")
	case <-time.After(2 * time.Second):
		t.Fatal("stream goroutine did not exit after cancellation")
	}

	require.Eventually(t, func() bool { return c.State() == StateFailed },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, w.Len())
}

func TestClient_ConsumerCancelLeavesNoTrace(t *testing.T) {
	p := &fakeProvider{script: func(ctx context.Context, _ *llm.ChatRequest) <-chan llm.StreamChunk {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			select {
			case ch <- llm.StreamChunk{Delta: "partial"}:
			case <-ctx.Done():
				return
			}
			<-ctx.Done() // 挂起直到消费者取消
		}()
		return ch
	}}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "s1", p, mgr, 10)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, "Hello")
	require.NoError(t, err)

	chunk := <-ch
	assert.Equal(t, "partial", chunk.Delta)
	cancel()

	require.Eventually(t, func() bool { return c.State() == StateFailed },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, w.Len(), "cancelled turn must leave the window untouched")

	// 没有缓存写入：同样的请求再来必须走真实调用
	p.script = okStream("fresh")
	ch, err = c.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	collect(t, ch)
	assert.Equal(t, 2, p.callCount())
}

func TestClient_IdleTimeoutFailsRequest(t *testing.T) {
	p := &fakeProvider{script: func(ctx context.Context, _ *llm.ChatRequest) <-chan llm.StreamChunk {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			<-ctx.Done() // 永不发片段
		}()
		return ch
	}}
	mgr := memoryManager(t, time.Hour)

	w := ctxwin.NewWindow(10, "")
	opts := defaultOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	c, err := NewClient("s1", p, mgr, w, opts, zap.NewNop())
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)

	_, last := collect(t, ch)
	require.NotNil(t, last.Err)
	assert.Equal(t, llm.ErrUpstreamTimeout, last.Err.Code)
	assert.Equal(t, 0, w.Len())
}

func TestClient_RejectsConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{script: func(ctx context.Context, _ *llm.ChatRequest) <-chan llm.StreamChunk {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			<-release
			ch <- llm.StreamChunk{Delta: "done"}
			ch <- llm.StreamChunk{FinishReason: "stop"}
		}()
		return ch
	}}
	mgr := memoryManager(t, time.Hour)
	c, _ := newTestClient(t, "s1", p, mgr, 10)

	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	collect(t, ch)
}

func TestClient_InvalidGenerationConfig(t *testing.T) {
	p := &fakeProvider{script: okStream("x")}
	mgr := memoryManager(t, time.Hour)

	opts := defaultOptions()
	opts.Generation.Temperature = 3.0

	_, err := NewClient("s1", p, mgr, ctxwin.NewWindow(10, ""), opts, zap.NewNop())
	assert.Error(t, err, "out-of-range generation parameters must fail at construction")
}

func TestClient_Reset(t *testing.T) {
	p := &fakeProvider{script: okStream("Hi")}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "s1", p, mgr, 10)

	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)
	collect(t, ch)
	require.Equal(t, 2, w.Len())

	require.NoError(t, c.Reset())
	assert.Equal(t, 0, w.Len())
}

// 规格化的端到端场景：命中重放零调用、窗口有界。
func TestClient_EndToEndScenario(t *testing.T) {
	p := &fakeProvider{script: okStream("Hi", " there")}
	mgr := memoryManager(t, time.Hour)
	c, w := newTestClient(t, "session-1", p, mgr, 10)
	ctx := context.Background()

	// "Hello"：未命中，流式返回 "Hi there"，追加 2 轮
	ch, err := c.Stream(ctx, "Hello")
	require.NoError(t, err)
	full, _ := collect(t, ch)
	require.Equal(t, "Hi there", full)
	require.Equal(t, 1, p.callCount())
	require.Equal(t, 2, w.Len())

	// 相同窗口的新会话重放同一响应，零外部调用
	fresh, _ := newTestClient(t, "session-2", p, mgr, 10)
	ch, err = fresh.Stream(ctx, "Hello")
	require.NoError(t, err)
	full, last := collect(t, ch)
	require.Equal(t, "Hi there", full)
	require.True(t, last.Cached)
	require.Equal(t, 1, p.callCount())

	// 再发 10 个不同 prompt：窗口始终不超过 10 条
	p.script = okStream("ok")
	for i := 0; i < 10; i++ {
		ch, err := c.Stream(ctx, fmt.Sprintf("prompt-%d", i))
		require.NoError(t, err)
		collect(t, ch)
		require.LessOrEqual(t, w.Len(), 10)
	}
	assert.Equal(t, 10, w.Len())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	p := &fakeProvider{script: okStream("x")}
	mgr := memoryManager(t, time.Hour)

	r := NewRegistry(func(sessionID string) (*Client, error) {
		c, _ := newTestClientNoT(sessionID, p, mgr)
		return c, nil
	})

	a, err := r.Get("session-a")
	require.NoError(t, err)
	a2, err := r.Get("session-a")
	require.NoError(t, err)
	assert.Same(t, a, a2)

	_, err = r.Get("session-b")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	// 未知会话的 Reset 是空操作
	assert.NoError(t, r.Reset("unknown"))
}

func TestRegistry_EvictsIdleSessions(t *testing.T) {
	p := &fakeProvider{script: okStream("x")}
	mgr := memoryManager(t, time.Hour)

	r := NewRegistry(func(sessionID string) (*Client, error) {
		return newTestClientNoT(sessionID, p, mgr)
	})

	now := time.Now()
	r.clock = func() time.Time { return now }

	a, err := r.Get("session-a")
	require.NoError(t, err)
	_, err = r.Get("session-b")
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	// session-a 保持活跃，session-b 空闲到超过阈值
	now = now.Add(DefaultMaxIdle / 2)
	_, err = r.Get("session-a")
	require.NoError(t, err)

	now = now.Add(DefaultMaxIdle/2 + time.Minute)
	a2, err := r.Get("session-a")
	require.NoError(t, err)
	assert.Same(t, a, a2, "recently used session must survive")
	assert.Equal(t, 1, r.Len(), "idle session must be evicted")
}

func TestRegistry_DoesNotEvictInFlightSessions(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProvider{script: func(ctx context.Context, _ *llm.ChatRequest) <-chan llm.StreamChunk {
		ch := make(chan llm.StreamChunk)
		go func() {
			defer close(ch)
			<-release
			ch <- llm.StreamChunk{FinishReason: "stop"}
		}()
		return ch
	}}
	mgr := memoryManager(t, time.Hour)

	r := NewRegistry(func(sessionID string) (*Client, error) {
		return newTestClientNoT(sessionID, p, mgr)
	})

	now := time.Now()
	r.clock = func() time.Time { return now }

	c, err := r.Get("session-a")
	require.NoError(t, err)
	ch, err := c.Stream(context.Background(), "Hello")
	require.NoError(t, err)

	// 请求在途时即使超过空闲阈值也不回收
	now = now.Add(DefaultMaxIdle + time.Hour)
	assert.Equal(t, 1, r.Len())

	close(release)
	collect(t, ch)
}

func TestRegistry_MaxIdleDisabled(t *testing.T) {
	p := &fakeProvider{script: okStream("x")}
	mgr := memoryManager(t, time.Hour)

	r := NewRegistry(func(sessionID string) (*Client, error) {
		return newTestClientNoT(sessionID, p, mgr)
	}).WithMaxIdle(0)

	now := time.Now()
	r.clock = func() time.Time { return now }

	_, err := r.Get("session-a")
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	assert.Equal(t, 1, r.Len(), "eviction disabled: sessions are kept indefinitely")
}

func newTestClientNoT(sessionID string, p llm.Provider, mgr *cache.Manager) (*Client, error) {
	return NewClient(sessionID, p, mgr, ctxwin.NewWindow(10, ""), defaultOptions(), zap.NewNop())
}
