package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer 基于 tiktoken 编码的精确分词器。
// 编码数据惰性加载（首次计数时），加载失败的错误透传给调用方，
// 由调用方决定是否回退到估算器（见 ForModel）。
type TiktokenTokenizer struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktokenTokenizer 创建指定编码的分词器（如 "cl100k_base"、"o200k_base"）。
func NewTiktokenTokenizer(encoding string) *TiktokenTokenizer {
	return &TiktokenTokenizer{encoding: encoding}
}

func (t *TiktokenTokenizer) Name() string { return "tiktoken/" + t.encoding }

func (t *TiktokenTokenizer) init() {
	t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	if t.initErr != nil {
		t.initErr = fmt.Errorf("load tiktoken encoding %s: %w", t.encoding, t.initErr)
	}
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	t.once.Do(t.init)
	if t.initErr != nil {
		return 0, t.initErr
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// modelEncodings 将模型名称前缀映射到 tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// ForModel 为给定模型返回分词器：OpenAI 系模型使用 tiktoken，
// 其余模型（HuggingFace 上的开放模型通常有各自的分词器，
// 本层无法精确还原）回退到 CJK 感知估算器。
func ForModel(model string) Tokenizer {
	for prefix, encoding := range modelEncodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return NewTiktokenTokenizer(encoding)
		}
	}
	return NewEstimatorTokenizer()
}
