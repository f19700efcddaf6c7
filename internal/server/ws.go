package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/inferchat/llm"
)

// =============================================================================
// 🔌 WebSocket 流式连接适配器
// =============================================================================

// WSMessage WebSocket 双向消息。客户端发 prompt，
// 服务端回一串响应片段事件。
type WSMessage struct {
	// 客户端 → 服务端：用户输入
	Prompt string `json:"prompt,omitempty"`
	// 服务端 → 客户端：响应片段
	Event *SSEEvent `json:"event,omitempty"`
	// 服务端 → 客户端：流结束标记
	Done bool `json:"done,omitempty"`
}

// WSConn 把 websocket 连接适配为片段读写接口。
// 写操作通过 mutex 保护，因为 WebSocket 不支持并发写。
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewWSConn 从已建立的 WebSocket 连接创建适配器。
func NewWSConn(conn *websocket.Conn, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSConn{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_conn")),
	}
}

// ReadPrompt 读取客户端的下一条用户输入。
func (w *WSConn) ReadPrompt(ctx context.Context) (string, error) {
	if w.isClosed() {
		return "", fmt.Errorf("connection closed")
	}

	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("websocket read: %w", err)
	}

	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Prompt == "" {
		return "", fmt.Errorf("message has no prompt")
	}

	return msg.Prompt, nil
}

// WriteChunk 把一个响应片段序列化为 JSON 发送给客户端。
func (w *WSConn) WriteChunk(ctx context.Context, chunk llm.StreamChunk) error {
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
	return w.write(ctx, WSMessage{Event: &ev})
}

// WriteDone 发送流结束标记。
func (w *WSConn) WriteDone(ctx context.Context) error {
	return w.write(ctx, WSMessage{Done: true})
}

func (w *WSConn) write(ctx context.Context, msg WSMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}

	return nil
}

// Close 关闭 WebSocket 连接。
func (w *WSConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	return w.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (w *WSConn) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
