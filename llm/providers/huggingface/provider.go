// Package huggingface 实现 HuggingFace Inference API 的流式 Provider。
package huggingface

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/inferchat/llm"
)

// Config HuggingFace Provider 配置
type Config struct {
	// API 基础地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 访问令牌
	APIToken string `yaml:"api_token" env:"API_TOKEN"`
	// 建立连接与等待响应头的超时。流式读取阶段的空闲超时
	// 由调用方（chat.Client）控制，不在此处设置整体超时
	HeaderTimeout time.Duration `yaml:"header_timeout" env:"HEADER_TIMEOUT"`
}

// Provider 实现 HuggingFace Inference API 的 LLM Provider。
// 与 OpenAI 风格接口的差异：
// 1. 请求体是 {inputs, parameters, stream} 而非 messages 数组，
//    会话消息需要先展平成 ChatML 文本
// 2. 流式片段是 {token: {text}} 或 {generated_text}，以 data: 行分隔
// 3. 模型冷启动返回 503，属于可重试错误
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New 创建 HuggingFace Provider。
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-inference.huggingface.co"
	}
	headerTimeout := cfg.HeaderTimeout
	if headerTimeout == 0 {
		headerTimeout = 30 * time.Second
	}

	return &Provider{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		logger: logger.With(zap.String("component", "huggingface_provider")),
	}
}

func (p *Provider) Name() string { return "huggingface" }

func (p *Provider) endpoint(model string) string {
	return fmt.Sprintf("%s/models/%s", strings.TrimRight(p.cfg.BaseURL, "/"), model)
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
}

// hfParameters HF text-generation 的生成参数
type hfParameters struct {
	MaxNewTokens      int     `json:"max_new_tokens"`
	Temperature       float32 `json:"temperature"`
	TopP              float32 `json:"top_p"`
	RepetitionPenalty float32 `json:"repetition_penalty"`
	DoSample          bool    `json:"do_sample"`
	ReturnFullText    bool    `json:"return_full_text"`
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
	Stream     bool         `json:"stream,omitempty"`
}

// hfStreamChunk 流式响应的一个片段
type hfStreamChunk struct {
	Token *struct {
		Text string `json:"text"`
	} `json:"token,omitempty"`
	GeneratedText string `json:"generated_text,omitempty"`
}

type hfErrorResp struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}

// formatPrompt 将消息序列展平为 ChatML 文本。
// HF text-generation 接口不接受结构化 messages，约定使用
// <|im_start|>/<|im_end|> 标记（Qwen 系模型的会话格式）。
func formatPrompt(messages []llm.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString("<|im_start|>")
		sb.WriteString(string(m.Role))
		sb.WriteString("\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n<|im_end|>\n")
	}
	sb.WriteString("<|im_start|>assistant\n")
	return sb.String()
}

func toParameters(g llm.GenerationConfig) hfParameters {
	return hfParameters{
		MaxNewTokens:      g.MaxTokens,
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		RepetitionPenalty: g.RepetitionPenalty,
		DoSample:          true,
		ReturnFullText:    false,
	}
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.cfg.BaseURL, "/")+"/status", nil)
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("huggingface health check failed: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := hfRequest{
		Inputs:     formatPrompt(req.Messages),
		Parameters: toParameters(req.Generation),
	}
	payload, _ := json.Marshal(body)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model), bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, p.mapError(resp)
	}

	// 响应可能是对象或单元素列表
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}

	var results []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(data, &results); err != nil {
		var single struct {
			GeneratedText string `json:"generated_text"`
		}
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, &llm.Error{
				Code:       llm.ErrUpstreamError,
				Message:    fmt.Sprintf("decode response: %v", err),
				HTTPStatus: http.StatusBadGateway,
				Retryable:  true,
				Provider:   p.Name(),
			}
		}
		results = append(results, single)
	}
	if len(results) == 0 {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamError,
			Message:    "empty response from huggingface",
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.Name(),
		}
	}

	return &llm.ChatResponse{
		Provider:  p.Name(),
		Model:     req.Model,
		Content:   results[0].GeneratedText,
		CreatedAt: time.Now(),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := hfRequest{
		Inputs:     formatPrompt(req.Messages),
		Parameters: toParameters(req.Generation),
		Stream:     true,
	}
	payload, _ := json.Marshal(body)

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model), bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.mapError(resp)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		// 所有发送都带取消保护：消费者离开后发送方必须退出，
		// 否则 goroutine 连同响应连接一起泄漏
		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// 上游直接断流视为正常结束
					send(llm.StreamChunk{FinishReason: "stop"})
					return
				}
				send(llm.StreamChunk{Err: p.transportError(ctx, err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(llm.StreamChunk{FinishReason: "stop"})
				return
			}

			var chunk hfStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// 非 JSON 行（心跳、注释）直接跳过
				p.logger.Debug("skipping non-json stream line", zap.String("line", data))
				continue
			}

			switch {
			case chunk.Token != nil && chunk.Token.Text != "":
				if !send(llm.StreamChunk{Delta: chunk.Token.Text}) {
					return
				}
			case chunk.GeneratedText != "":
				// 末尾的完整文本事件标志流结束
				send(llm.StreamChunk{FinishReason: "stop"})
				return
			}
		}
	}()

	return ch, nil
}

// transportError 将网络层错误映射为统一错误类型。
func (p *Provider) transportError(ctx context.Context, err error) *llm.Error {
	code := llm.ErrUpstreamError
	status := http.StatusBadGateway
	retryable := true

	switch {
	case ctx.Err() == context.Canceled:
		code = llm.ErrStreamAborted
		status = 499
		retryable = false
	case ctx.Err() == context.DeadlineExceeded:
		code = llm.ErrUpstreamTimeout
		status = http.StatusGatewayTimeout
	}

	return &llm.Error{
		Code:       code,
		Message:    err.Error(),
		HTTPStatus: status,
		Retryable:  retryable,
		Provider:   p.Name(),
	}
}

// mapError 将上游 HTTP 状态映射为统一错误类型。
func (p *Provider) mapError(resp *http.Response) *llm.Error {
	var hfErr hfErrorResp
	msg := ""
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(data, &hfErr) == nil && hfErr.Error != "" {
			msg = hfErr.Error
		} else {
			msg = strings.TrimSpace(string(data))
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &llm.Error{Code: llm.ErrUnauthorized, Message: msg, HTTPStatus: resp.StatusCode, Provider: p.Name()}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: resp.StatusCode, Retryable: true, Provider: p.Name()}
	case resp.StatusCode == http.StatusServiceUnavailable && hfErr.EstimatedTime > 0:
		// HF 模型冷启动：带预估加载时间的 503
		return &llm.Error{Code: llm.ErrModelLoading, Message: msg, HTTPStatus: resp.StatusCode, Retryable: true, Provider: p.Name()}
	case resp.StatusCode >= 500:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: resp.StatusCode, Retryable: true, Provider: p.Name()}
	default:
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: resp.StatusCode, Provider: p.Name()}
	}
}
