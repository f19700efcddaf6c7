package tokenizer

import "unicode/utf8"

// EstimatorTokenizer 基于字符计数的 token 估算器。
// 区分 CJK 与其他字符以提高精度：CJK 约 1.5 字符/token，
// 其余约 4 字符/token。不依赖外部编码数据，永不出错，
// 适合 tiktoken 不认识的模型（如 Qwen 系）。
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer 创建估算器。
func NewEstimatorTokenizer() *EstimatorTokenizer {
	return &EstimatorTokenizer{}
}

func (e *EstimatorTokenizer) Name() string { return "estimator" }

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	other := total - cjk

	tokens := float64(cjk)/1.5 + float64(other)/4.0
	n := int(tokens)
	if n < 1 {
		n = 1
	}
	return n, nil
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK 统一表意文字
		return true
	case r >= 0x3400 && r <= 0x4DBF: // 扩展 A
		return true
	case r >= 0x3040 && r <= 0x30FF: // 日文假名
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // 韩文音节
		return true
	default:
		return false
	}
}
