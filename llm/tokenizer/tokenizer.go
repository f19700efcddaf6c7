// Package tokenizer 提供 token 计数能力，用于会话用量统计。
package tokenizer

// Tokenizer 是统一的 token 计数接口。
// 计数只用于用量展示与观测，不参与任何正确性判断，
// 因此实现可以是估算而非精确分词。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称
	Name() string
}

// perMessageOverhead 每条消息的角色标记与分隔符开销（经验值）。
const perMessageOverhead = 4

// CountMessages 返回消息内容列表的总 token 数，含每条消息的开销。
func CountMessages(t Tokenizer, contents []string) int {
	total := 0
	for _, c := range contents {
		n, err := t.CountTokens(c)
		if err != nil {
			// 估算失败不阻断：退化为字符估算
			n = len(c) / 4
		}
		total += n + perMessageOverhead
	}
	return total
}
