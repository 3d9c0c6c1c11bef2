package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"claude-pool/internal/models"
	"claude-pool/internal/tokenizer"
)

// Data 把任意值编码为一条 SSE data 行
func Data(v interface{}) string {
	jsonData, _ := json.Marshal(v)
	return fmt.Sprintf("data: %s\n\n", string(jsonData))
}

// BuildOpenAIChunk 构建 OpenAI 流式响应块
func BuildOpenAIChunk(id, model, content string, finishReason string) string {
	choice := models.ChatCompletionChunkChoice{Index: 0}
	if finishReason != "" {
		choice.FinishReason = &finishReason
	} else {
		choice.Delta.Content = content
	}
	return Data(models.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChunkChoice{choice},
	})
}

// BuildOpenAIDone 构建 OpenAI 流结束标记
func BuildOpenAIDone() string {
	return "data: [DONE]\n\n"
}

// BuildOpenAIError 流中途出错时发给客户端的错误对象
func BuildOpenAIError(message string) string {
	return Data(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "upstream_error",
		},
	})
}

// OpenAIStreamHandler 把账号池的对话事件转换为 OpenAI SSE 格式
type OpenAIStreamHandler struct {
	ID    string
	Model string

	started      bool
	finished     bool
	failed       bool
	buf          strings.Builder
	inputTokens  int
	outputTokens int
}

// NewOpenAIStreamHandler 创建 OpenAI 流处理器
func NewOpenAIStreamHandler(id, model string) *OpenAIStreamHandler {
	return &OpenAIStreamHandler{ID: id, Model: model}
}

// buildChunk 构建只带 delta 的块
// @author ygw
func (h *OpenAIStreamHandler) buildChunk(delta models.ChatCompletionChunkDelta, finishReason *string, usage *models.ChatCompletionUsage) string {
	return Data(models.ChatCompletionChunk{
		ID:      h.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   h.Model,
		Choices: []models.ChatCompletionChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finishReason},
		},
		Usage: usage,
	})
}

func (h *OpenAIStreamHandler) roleChunk() []string {
	if h.started {
		return nil
	}
	h.started = true
	return []string{h.buildChunk(models.ChatCompletionChunkDelta{Role: "assistant"}, nil, nil)}
}

// HandleEvent 处理单个对话事件并返回要发送的 SSE 数据
func (h *OpenAIStreamHandler) HandleEvent(ev models.ChatEvent) []string {
	if h.finished {
		return nil
	}
	var events []string

	switch ev.Type {
	case models.EventTypeStart:
		h.inputTokens = ev.InputTokens
		events = append(events, h.roleChunk()...)

	case models.EventTypeText:
		if ev.Text == "" {
			break
		}
		events = append(events, h.roleChunk()...)
		h.buf.WriteString(ev.Text)
		events = append(events, BuildOpenAIChunk(h.ID, h.Model, ev.Text, ""))

	case models.EventTypeDone:
		events = append(events, h.roleChunk()...)
		// 上游没有逐段推送时用完整回复补一次
		if h.buf.Len() == 0 && ev.FullResponse != "" {
			h.buf.WriteString(ev.FullResponse)
			events = append(events, BuildOpenAIChunk(h.ID, h.Model, ev.FullResponse, ""))
		}
		h.outputTokens = ev.OutputTokens
		events = append(events, h.finishChunk())

	case models.EventTypeError:
		h.failed = true
		h.finished = true
		events = append(events, BuildOpenAIError(ev.Message))
	}

	return events
}

func (h *OpenAIStreamHandler) finishChunk() string {
	h.finished = true
	reason := "stop"
	usage := h.Usage("")
	return h.buildChunk(models.ChatCompletionChunkDelta{}, &reason, &usage)
}

// Finish 返回最终的 SSE 数据；没有收到 done 事件时先补一个结束块
func (h *OpenAIStreamHandler) Finish() string {
	if !h.finished {
		return h.finishChunk() + BuildOpenAIDone()
	}
	return BuildOpenAIDone()
}

// Failed 是否收到过错误事件
func (h *OpenAIStreamHandler) Failed() bool {
	return h.failed
}

// ResponseText 返回已累计的响应文本
func (h *OpenAIStreamHandler) ResponseText() string {
	return h.buf.String()
}

// Usage 返回 token 用量，上游没有给出时用 tokenizer 估算
func (h *OpenAIStreamHandler) Usage(prompt string) models.ChatCompletionUsage {
	return BuildUsage(h.inputTokens, h.outputTokens, prompt, h.buf.String())
}

// BuildUsage 组装 OpenAI 用量，input/output 为 0 时分别按 prompt/completion 文本估算
func BuildUsage(input, output int, prompt, completion string) models.ChatCompletionUsage {
	if input == 0 && prompt != "" {
		input = tokenizer.CountTokens(prompt)
	}
	if output == 0 && completion != "" {
		output = tokenizer.CountTokens(completion)
	}
	return models.ChatCompletionUsage{
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokens:      input + output,
	}
}
