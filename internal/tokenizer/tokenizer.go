package tokenizer

import (
	"sync"

	tokenizer "github.com/qhenkart/anthropic-tokenizer-go"

	"claude-pool/internal/logger"
	"claude-pool/internal/models"
)

var (
	anthropicTokenizer     *tokenizer.Tokenizer
	anthropicTokenizerOnce sync.Once
	anthropicTokenizerErr  error
)

// getTokenizer 返回 Anthropic tokenizer 单例
func getTokenizer() (*tokenizer.Tokenizer, error) {
	anthropicTokenizerOnce.Do(func() {
		anthropicTokenizer, anthropicTokenizerErr = tokenizer.New()
		if anthropicTokenizerErr != nil {
			logger.Warn("[Token] 加载 tokenizer 失败，改用估算: %v", anthropicTokenizerErr)
		}
	})
	return anthropicTokenizer, anthropicTokenizerErr
}

// CountTokens 计算文本的 token 数，上游没有返回用量时使用
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	t, err := getTokenizer()
	if err != nil {
		return fallbackEstimate(text)
	}
	return t.Tokens(text)
}

// CountMessageTokens 计算 OpenAI 消息列表的 token 数，每条消息额外计 4 个格式 token
func CountMessageTokens(messages []models.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += CountTokens(msg.Role) + 4
		total += CountTokens(models.ContentText(msg.Content))
	}
	return total
}

// fallbackEstimate 简单估算 token 数量
// 英文约 4 字符/token，中文约 1.5 字符/token
func fallbackEstimate(text string) int {
	if text == "" {
		return 0
	}

	var chineseChars, otherChars int
	for _, r := range text {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF, r >= 0x3400 && r <= 0x4DBF, r >= 0x20000 && r <= 0x2A6DF:
			chineseChars++
		default:
			otherChars++
		}
	}

	chineseTokens := int(float64(chineseChars) / 1.5)
	otherTokens := (otherChars + 3) / 4
	return chineseTokens + otherTokens
}
