// =============================================================================
// 📦 InferChat 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Chat:        DefaultChatConfig(),
		Cache:       DefaultCacheConfig(),
		HuggingFace: DefaultHuggingFaceConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // 流式响应不限制写超时
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultChatConfig 返回默认会话配置
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		Model:             "Qwen/Qwen2.5-Coder-32B-Instruct",
		SystemPrompt:      "You are a helpful AI assistant.",
		MaxContextLength:  10,
		RequestTimeout:    30 * time.Second,
		ReplayChunkSize:   24,
		Temperature:       0.7,
		TopP:              0.9,
		MaxTokens:         1024,
		RepetitionPenalty: 1.1,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:           time.Hour,
		MaxSize:       1000,
		RetryInterval: 0, // 默认单向降级
		Redis:         DefaultRedisConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	}
}

// DefaultHuggingFaceConfig 返回默认 HuggingFace 配置
func DefaultHuggingFaceConfig() HuggingFaceConfig {
	return HuggingFaceConfig{
		BaseURL:       "https://api-inference.huggingface.co",
		APIToken:      "",
		HeaderTimeout: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "inferchat",
		SampleRate:   0.1,
	}
}
