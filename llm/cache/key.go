package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	llmpkg "github.com/BaSui01/inferchat/llm"
)

// keyVersion 缓存键格式版本。键格式变更时递增，旧条目自然失效。
const keyVersion = "v1"

// KeyStrategy 缓存键生成策略接口
type KeyStrategy interface {
	// GenerateKey 生成缓存键
	GenerateKey(req *llmpkg.ChatRequest) string

	// Name 返回策略名称（用于日志和调试）
	Name() string
}

// HashKeyStrategy Hash 缓存键策略。
// 键是请求完整身份（模型 + 已裁剪消息窗口 + 生成参数）的纯函数：
// 相同逻辑请求必得相同键，任一参数变化必得不同键。
// TraceID/SessionID/Timestamp 等请求元数据不参与计算，
// 保证不同会话在窗口相同时命中同一条目。
type HashKeyStrategy struct{}

// NewHashKeyStrategy 创建 Hash 策略
func NewHashKeyStrategy() *HashKeyStrategy {
	return &HashKeyStrategy{}
}

// Name 返回策略名称
func (s *HashKeyStrategy) Name() string {
	return "hash"
}

// canonicalMessage 参与键计算的消息字段子集
type canonicalMessage struct {
	Role    llmpkg.Role `json:"role"`
	Content string      `json:"content"`
}

// canonicalRequest 参与键计算的请求字段子集
type canonicalRequest struct {
	Model      string                  `json:"model"`
	Messages   []canonicalMessage      `json:"messages"`
	Generation llmpkg.GenerationConfig `json:"generation"`
}

// GenerateKey 生成 Hash 缓存键
func (s *HashKeyStrategy) GenerateKey(req *llmpkg.ChatRequest) string {
	canonical := canonicalRequest{
		Model:      req.Model,
		Messages:   make([]canonicalMessage, 0, len(req.Messages)),
		Generation: req.Generation,
	}
	for _, m := range req.Messages {
		canonical.Messages = append(canonical.Messages, canonicalMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		// fallback: 使用 fmt.Sprintf 生成确定性字符串避免 key 碰撞
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("chat:cache:%s:%s", keyVersion, hex.EncodeToString(hash[:16]))
}
