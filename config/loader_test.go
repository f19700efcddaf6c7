// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证服务器默认值
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	// 验证会话默认值
	assert.Equal(t, "Qwen/Qwen2.5-Coder-32B-Instruct", cfg.Chat.Model)
	assert.Equal(t, 10, cfg.Chat.MaxContextLength)
	assert.Equal(t, 30*time.Second, cfg.Chat.RequestTimeout)
	assert.Equal(t, 0.7, cfg.Chat.Temperature)
	assert.Equal(t, 0.9, cfg.Chat.TopP)
	assert.Equal(t, 1024, cfg.Chat.MaxTokens)
	assert.Equal(t, 1.1, cfg.Chat.RepetitionPenalty)

	// 验证缓存默认值
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, time.Duration(0), cfg.Cache.RetryInterval)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 0, cfg.Cache.Redis.DB)

	// 验证 HuggingFace 默认值
	assert.Equal(t, "https://api-inference.huggingface.co", cfg.HuggingFace.BaseURL)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 10, cfg.Chat.MaxContextLength)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

chat:
  model: "meta-llama/Llama-3.1-8B-Instruct"
  max_context_length: 20
  temperature: 0.5
  request_timeout: 45s

cache:
  ttl: 30m
  max_size: 500
  retry_interval: 10s
  redis:
    addr: "redis.example.com:6379"
    password: "secret"
    db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 加载配置
	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", cfg.Chat.Model)
	assert.Equal(t, 20, cfg.Chat.MaxContextLength)
	assert.Equal(t, 0.5, cfg.Chat.Temperature)
	assert.Equal(t, 45*time.Second, cfg.Chat.RequestTimeout)

	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 500, cfg.Cache.MaxSize)
	assert.Equal(t, 10*time.Second, cfg.Cache.RetryInterval)
	assert.Equal(t, "redis.example.com:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "secret", cfg.Cache.Redis.Password)
	assert.Equal(t, 1, cfg.Cache.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// 未出现在 YAML 中的字段保持默认值
	assert.Equal(t, 0.9, cfg.Chat.TopP)
	assert.Equal(t, 1024, cfg.Chat.MaxTokens)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "nonexistent.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [not: a map"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("INFERCHAT_SERVER_HTTP_PORT", "9000")
	t.Setenv("INFERCHAT_CHAT_MODEL", "env-model")
	t.Setenv("INFERCHAT_CHAT_TEMPERATURE", "0.3")
	t.Setenv("INFERCHAT_CHAT_REQUEST_TIMEOUT", "90s")
	t.Setenv("INFERCHAT_CACHE_TTL", "2h")
	t.Setenv("INFERCHAT_CACHE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("INFERCHAT_HF_API_TOKEN", "hf_test_token")
	t.Setenv("INFERCHAT_LOG_OUTPUT_PATHS", "stdout, /var/log/inferchat.log")
	t.Setenv("INFERCHAT_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "env-model", cfg.Chat.Model)
	assert.Equal(t, 0.3, cfg.Chat.Temperature)
	assert.Equal(t, 90*time.Second, cfg.Chat.RequestTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "env-redis:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "hf_test_token", cfg.HuggingFace.APIToken)
	assert.Equal(t, []string{"stdout", "/var/log/inferchat.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("chat:\n  model: yaml-model\n"), 0644))

	t.Setenv("INFERCHAT_CHAT_MODEL", "env-wins")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "env-wins", cfg.Chat.Model)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "7777")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.HTTPPort)
}

func TestLoader_ValidatorRejects(t *testing.T) {
	t.Setenv("INFERCHAT_CHAT_TEMPERATURE", "5.0")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	assert.ErrorContains(t, err, "temperature")
}

// --- Validate 测试 ---

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty model", func(c *Config) { c.Chat.Model = "" }, "model"},
		{"bad port", func(c *Config) { c.Server.HTTPPort = -1 }, "HTTP port"},
		{"zero context", func(c *Config) { c.Chat.MaxContextLength = 0 }, "max_context_length"},
		{"bad top_p", func(c *Config) { c.Chat.TopP = 1.5 }, "top_p"},
		{"bad penalty", func(c *Config) { c.Chat.RepetitionPenalty = 0.5 }, "repetition_penalty"},
		{"zero cache size", func(c *Config) { c.Cache.MaxSize = 0 }, "max_size"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.errMsg)
		})
	}
}
