package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	llmpkg "github.com/BaSui01/inferchat/llm"
)

// Config 缓存管理器配置
type Config struct {
	// 响应缓存过期时间。<= 0 表示完全禁用缓存
	TTL time.Duration `yaml:"ttl" env:"TTL"`

	// 内存后端最大条目数
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`

	// 降级后重试网络后端的间隔。0 表示降级后不再回切（进程生命周期内单向）
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`

	// Redis 后端配置。Addr 为空时只使用内存后端
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		MaxSize:       1000,
		RetryInterval: 0,
		Redis:         DefaultRedisConfig(),
	}
}

// Manager 缓存管理器。持有首选的网络后端与内存降级后端，
// 负责缓存键计算、TTL 应用与不可用时的自动降级。
// 进程内单例，被所有会话并发共享；对调用方而言缓存失败永远
// 表现为未命中，不会使聊天流程失败。
type Manager struct {
	config   Config
	strategy KeyStrategy
	logger   *zap.Logger

	mu     sync.RWMutex
	active Backend
	redis  *RedisBackend
	memory *MemoryBackend
	closed bool

	stopRetry chan struct{}
	retryOnce sync.Once
}

// NewManager 创建缓存管理器。配置了 Redis 时先行探活：
// 探活失败不报错，直接以内存后端启动并记录降级（与后续运行期
// 降级同一条路径），保证缓存永远不阻塞服务启动。
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	m := &Manager{
		config:    cfg,
		strategy:  NewHashKeyStrategy(),
		logger:    logger.With(zap.String("component", "cache")),
		memory:    NewMemoryBackend(cfg.MaxSize),
		stopRetry: make(chan struct{}),
	}
	m.active = m.memory

	if cfg.Redis.Addr != "" {
		m.redis = NewRedisBackend(cfg.Redis, logger)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		defer cancel()
		if err := m.redis.Ping(ctx); err != nil {
			m.logger.Warn("redis unreachable at startup, using in-memory cache",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
			m.startRetryLoop()
		} else {
			m.active = m.redis
			m.logger.Info("cache manager initialized",
				zap.String("backend", m.redis.Name()),
				zap.String("addr", cfg.Redis.Addr))
		}
	} else {
		m.logger.Info("cache manager initialized",
			zap.String("backend", m.memory.Name()))
	}

	return m
}

// Enabled 返回缓存是否启用。TTL <= 0 等价于"永不缓存"。
func (m *Manager) Enabled() bool {
	return m.config.TTL > 0
}

// ActiveBackend 返回当前活跃后端名称（用于健康检查与日志）。
func (m *Manager) ActiveBackend() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Name()
}

// Key 计算请求的缓存键。
func (m *Manager) Key(req *llmpkg.ChatRequest) string {
	return m.strategy.GenerateKey(req)
}

// Lookup 查询请求对应的缓存响应。未命中返回 ErrCacheMiss。
// 活跃后端不可用时就地降级到内存后端并对本次请求报告未命中，
// 不向调用方传播后端故障。
func (m *Manager) Lookup(ctx context.Context, req *llmpkg.ChatRequest) (string, error) {
	if !m.Enabled() {
		return "", ErrCacheMiss
	}

	key := m.strategy.GenerateKey(req)

	m.mu.RLock()
	backend := m.active
	m.mu.RUnlock()

	val, err := backend.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	if IsBackendUnavailable(err) {
		m.demote(err)
		// 降级后从内存后端补查：冷启动时必然未命中，
		// 但已降级的后续请求会命中之前 Store 的条目
		return m.memory.Get(ctx, key)
	}
	return "", err
}

// Store 写入完整响应。尽力而为：写入失败只记录日志，缓存是
// 优化而非聊天流程的正确性要求。
func (m *Manager) Store(ctx context.Context, req *llmpkg.ChatRequest, response string) {
	if !m.Enabled() {
		return
	}

	key := m.strategy.GenerateKey(req)

	m.mu.RLock()
	backend := m.active
	m.mu.RUnlock()

	err := backend.Set(ctx, key, response, m.config.TTL)
	if err == nil {
		m.logger.Debug("cache set",
			zap.String("key", key),
			zap.String("backend", backend.Name()),
			zap.Int("size", len(response)))
		return
	}

	if IsBackendUnavailable(err) {
		m.demote(err)
		if memErr := m.memory.Set(ctx, key, response, m.config.TTL); memErr != nil {
			m.logger.Warn("memory cache set failed", zap.Error(memErr))
		}
		return
	}
	m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
}

// Clear 清空当前活跃后端的全部条目。
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.RLock()
	backend := m.active
	m.mu.RUnlock()

	if err := backend.Clear(ctx); err != nil {
		if IsBackendUnavailable(err) {
			m.demote(err)
			return m.memory.Clear(ctx)
		}
		return err
	}
	m.logger.Info("cache cleared", zap.String("backend", backend.Name()))
	return nil
}

// Ping 探测当前活跃后端。内存后端恒定可用。
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == m.redis && m.redis != nil {
		return m.redis.Ping(ctx)
	}
	return nil
}

// Close 关闭缓存管理器，停止重试循环并释放 Redis 连接。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopRetry)
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}

// demote 降级到内存后端。默认单向：除非配置 RetryInterval，
// 进程生命周期内不会自动回切网络后端。
func (m *Manager) demote(cause error) {
	m.mu.Lock()
	if m.active == m.memory {
		m.mu.Unlock()
		return
	}
	m.active = m.memory
	m.mu.Unlock()

	m.logger.Warn("cache backend unavailable, demoted to in-memory",
		zap.Error(cause))
	m.startRetryLoop()
}

// promote 回切到网络后端（仅由重试循环调用）。
func (m *Manager) promote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.active == m.redis {
		return
	}
	m.active = m.redis
	m.logger.Info("cache backend recovered, promoted back to redis")
}

// startRetryLoop 启动降级后的周期探活。RetryInterval 未配置时为空操作。
// 循环进程生命周期内只启动一次，回切成功后继续运行以覆盖再次降级。
func (m *Manager) startRetryLoop() {
	if m.config.RetryInterval <= 0 || m.redis == nil {
		return
	}
	m.retryOnce.Do(func() {
		go m.retryLoop()
	})
}

func (m *Manager) retryLoop() {
	ticker := time.NewTicker(m.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopRetry:
			return
		case <-ticker.C:
			m.mu.RLock()
			demoted := m.active == m.memory
			m.mu.RUnlock()
			if !demoted {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), m.config.Redis.DialTimeout)
			err := m.redis.Ping(ctx)
			cancel()
			if err != nil {
				m.logger.Debug("redis still unreachable", zap.Error(err))
				continue
			}
			m.promote()
		}
	}
}

// String 便于日志输出当前状态。
func (m *Manager) String() string {
	return fmt.Sprintf("cache.Manager{backend=%s, ttl=%s}", m.ActiveBackend(), m.config.TTL)
}
