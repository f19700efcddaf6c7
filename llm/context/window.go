// Package context 维护有界的会话上下文窗口。
package context

import (
	"time"

	llmpkg "github.com/BaSui01/inferchat/llm"
)

// Window 有界会话窗口：按时间顺序保存最近 maxLength 条消息，
// 超限时从最旧一侧裁剪。单个会话独占一个 Window，调用方负责
// 串行化同一会话的并发请求（见 chat.Client）。
//
// 裁剪发生在 Messages/PromptMessages 取值之前而非之后，
// 因此两个完整历史不同但裁剪后窗口相同的会话会计算出相同的
// 缓存键。
type Window struct {
	maxLength    int
	systemPrompt string
	turns        []llmpkg.Message
}

// NewWindow 创建会话窗口。maxLength 为窗口内最大消息条数，
// systemPrompt 不占用窗口容量、不会被裁剪，可为空。
func NewWindow(maxLength int, systemPrompt string) *Window {
	if maxLength <= 0 {
		maxLength = 10
	}
	return &Window{
		maxLength:    maxLength,
		systemPrompt: systemPrompt,
	}
}

// Append 追加一条消息，超限时丢弃最旧的消息直到满足上限。
func (w *Window) Append(role llmpkg.Role, content string) {
	w.turns = append(w.turns, llmpkg.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if excess := len(w.turns) - w.maxLength; excess > 0 {
		w.turns = append(w.turns[:0:0], w.turns[excess:]...)
	}
}

// Restore 将窗口恢复到之前由 Messages 拍下的快照。
// 流式请求失败时用于回滚：Append 在追加时即裁剪，满窗时仅移除
// 最后一条找不回被挤出的最旧消息，必须整窗恢复。
func (w *Window) Restore(snapshot []llmpkg.Message) {
	w.turns = append(w.turns[:0:0], snapshot...)
}

// Messages 返回裁剪后窗口的副本（不含系统提示词）。
func (w *Window) Messages() []llmpkg.Message {
	out := make([]llmpkg.Message, len(w.turns))
	copy(out, w.turns)
	return out
}

// PromptMessages 返回提交给模型的完整消息序列：
// 系统提示词（如配置）在前，随后是裁剪后的窗口。
// 该序列同时是缓存键计算的输入。
func (w *Window) PromptMessages() []llmpkg.Message {
	out := make([]llmpkg.Message, 0, len(w.turns)+1)
	if w.systemPrompt != "" {
		out = append(out, llmpkg.Message{Role: llmpkg.RoleSystem, Content: w.systemPrompt})
	}
	return append(out, w.turns...)
}

// Len 返回窗口内消息条数（不含系统提示词）。
func (w *Window) Len() int {
	return len(w.turns)
}

// Clear 清空窗口，系统提示词保留。
func (w *Window) Clear() {
	w.turns = nil
}
