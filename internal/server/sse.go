package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BaSui01/inferchat/llm"
)

// =============================================================================
// 📡 SSE 流式写出器
// =============================================================================

// SSEEvent 单个 SSE 事件的负载
type SSEEvent struct {
	// 增量文本
	Delta string `json:"delta,omitempty"`
	// 是否来自缓存重放
	Cached bool `json:"cached,omitempty"`
	// 终止原因（仅终止事件携带）
	FinishReason string `json:"finish_reason,omitempty"`
	// Token 用量（仅终止事件携带）
	Usage *llm.ChatUsage `json:"usage,omitempty"`
	// 错误信息（仅失败事件携带）
	Error *SSEError `json:"error,omitempty"`
}

// SSEError SSE 事件中的错误负载
type SSEError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SSEWriter 把响应片段按 text/event-stream 协议写出。
// 每写一个事件立即 flush，保证客户端逐片段收到。
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter 设置 SSE 响应头并返回写出器。
// ResponseWriter 不支持 flush 时返回错误（例如被不透传
// Flusher 的中间件包裹）。
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteChunk 把一个响应片段编码为 SSE 事件写出
func (s *SSEWriter) WriteChunk(chunk llm.StreamChunk) error {
	ev := SSEEvent{
		Delta:        chunk.Delta,
		Cached:       chunk.Cached,
		FinishReason: chunk.FinishReason,
		Usage:        chunk.Usage,
	}
	if chunk.Err != nil {
		ev.Error = &SSEError{
			Code:    string(chunk.Err.Code),
			Message: chunk.Err.Message,
		}
	}
	return s.writeEvent(ev)
}

// WriteDone 写出流结束标记
func (s *SSEWriter) WriteDone() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSEWriter) writeEvent(ev SSEEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
