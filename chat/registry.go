package chat

import (
	"sync"
	"time"
)

// DefaultMaxIdle 会话空闲回收的默认阈值。
const DefaultMaxIdle = 30 * time.Minute

type sessionEntry struct {
	client   *Client
	lastSeen time.Time
}

// Registry 会话注册表：按 session_id 惰性创建并持有 Client。
// 会话之间只共享 cache.Manager（由工厂函数闭包注入），
// 各自的上下文窗口互不可见。
//
// 空闲超过 maxIdle 的会话在下次访问时惰性回收，避免长生命周期
// 进程的会话表无界增长；有在途请求的会话不会被回收。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	factory  func(sessionID string) (*Client, error)
	maxIdle  time.Duration
	clock    func() time.Time
}

// NewRegistry 创建注册表。factory 负责为新会话装配 Client。
func NewRegistry(factory func(sessionID string) (*Client, error)) *Registry {
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		factory:  factory,
		maxIdle:  DefaultMaxIdle,
		clock:    time.Now,
	}
}

// WithMaxIdle 设置会话空闲回收阈值。d <= 0 时关闭回收。
func (r *Registry) WithMaxIdle(d time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxIdle = d
	return r
}

// Get 返回会话的 Client，不存在（或已被回收）时创建。
func (r *Registry) Get(sessionID string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	r.pruneLocked(now)

	if e, ok := r.sessions[sessionID]; ok {
		e.lastSeen = now
		return e.client, nil
	}
	c, err := r.factory(sessionID)
	if err != nil {
		return nil, err
	}
	r.sessions[sessionID] = &sessionEntry{client: c, lastSeen: now}
	return c, nil
}

// Reset 清空会话上下文。会话不存在时为空操作。
func (r *Registry) Reset(sessionID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		e.lastSeen = r.clock()
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.client.Reset()
}

// Len 返回活跃会话数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.clock())
	return len(r.sessions)
}

// pruneLocked 回收空闲超时的会话。调用方持有 r.mu。
func (r *Registry) pruneLocked(now time.Time) {
	if r.maxIdle <= 0 {
		return
	}
	for id, e := range r.sessions {
		if now.Sub(e.lastSeen) > r.maxIdle && !e.client.InFlight() {
			delete(r.sessions, id)
		}
	}
}
