package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss 缓存未命中。预期内的正常结果，不是故障。
	ErrCacheMiss = errors.New("cache miss")

	// ErrBackendUnavailable 后端不可达（连接失败、超时、协议错误）。
	// 与未命中严格区分：调用方据此触发降级，而未命中只是回源。
	ErrBackendUnavailable = errors.New("cache backend unavailable")
)

// IsCacheMiss 判断是否为缓存未命中。
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// IsBackendUnavailable 判断是否为后端不可用。
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// Backend 缓存后端能力接口。
// 所有实现必须保证：过期键与不存在键在 Get 上行为一致（均返回
// ErrCacheMiss）；后端不可达返回 ErrBackendUnavailable，绝不伪装成未命中。
// 实现必须支持多会话并发调用。
type Backend interface {
	// Get 读取键值，未命中返回 ErrCacheMiss
	Get(ctx context.Context, key string) (string, error)

	// Set 写入键值并设置过期时间
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete 删除键，键不存在不报错
	Delete(ctx context.Context, key string) error

	// Clear 清空全部条目
	Clear(ctx context.Context) error

	// Name 返回后端标识（用于日志与指标）
	Name() string
}
