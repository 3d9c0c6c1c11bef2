package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"claude-pool/internal/logger"
	"claude-pool/internal/models"
	"claude-pool/internal/pool"
	"claude-pool/internal/stream"
)

const defaultModel = "claude-sonnet-4-5"

// OpenAI 模型名到上游模型的映射
var modelMap = map[string]string{
	"gpt-3.5-turbo":   "claude-haiku-4-5",
	"gpt-4":           "claude-sonnet-4-5",
	"gpt-4-turbo":     "claude-sonnet-4-5",
	"gpt-4o":          "claude-sonnet-4-5",
	"claude-3-opus":   "claude-opus-4-5",
	"claude-3-sonnet": "claude-sonnet-4-5",
	"claude-3-haiku":  "claude-haiku-4-5",
}

// 上游原生支持的模型
var nativeModels = []string{"claude-haiku-4-5", "claude-sonnet-4-5", "claude-opus-4-5"}

// mapModel 返回实际请求上游的模型，未知模型使用默认模型
func mapModel(model string) string {
	if m, ok := modelMap[model]; ok {
		return m
	}
	for _, m := range nativeModels {
		if m == model {
			return m
		}
	}
	return defaultModel
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// handleChat 同步聊天
func (s *Server) handleChat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要 message"})
		return
	}
	start := time.Now()
	res := s.pool.Chat(c.Request.Context(), &req)
	logger.Info("[对话] 同步请求完成 - 账号: %s, 成功: %v, 耗时: %dms", res.Account, res.Success, time.Since(start).Milliseconds())
	c.JSON(http.StatusOK, res)
}

// handleChatStream 流式聊天，原样转发对话事件，最后发送 [DONE]
func (s *Server) handleChatStream(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要 message"})
		return
	}

	ctx := c.Request.Context()
	events := s.pool.ChatStream(ctx, &req)
	setSSEHeaders(c)

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				w.Write([]byte(stream.BuildOpenAIDone()))
				return false
			}
			w.Write([]byte(stream.Data(ev)))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// handleChatCompletions OpenAI 兼容接口，只发送最后一条用户消息
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "无效的请求格式: " + err.Error(), "type": "invalid_request_error"}})
		return
	}
	message := models.LastUserText(req.Messages)
	if strings.TrimSpace(message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "没有用户消息", "type": "invalid_request_error"}})
		return
	}

	model := req.Model
	if model == "" {
		model = "gpt-4"
	}
	chatReq := &models.ChatRequest{Message: message, Model: mapModel(model)}
	responseID := "chatcmpl-" + uuid.New().String()[:8]
	logger.Info("Chat Completions 请求 - 模型: %s -> %s, 流式: %v, 消息数: %d", model, chatReq.Model, req.Stream, len(req.Messages))

	if req.Stream {
		s.streamChatCompletion(c, chatReq, responseID, model)
		return
	}

	res := s.pool.Chat(c.Request.Context(), chatReq)
	if !res.Success {
		status := http.StatusBadGateway
		if res.Message == pool.ErrNoEligibleAccount.Error() || res.Message == pool.ErrAllRateLimited.Error() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": gin.H{"message": res.Message, "type": "upstream_error"}})
		return
	}

	c.JSON(http.StatusOK, models.ChatCompletionResponse{
		ID:      responseID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChoice{
			{
				Index:        0,
				Message:      models.ChatMessage{Role: "assistant", Content: res.Response},
				FinishReason: "stop",
			},
		},
		Usage: stream.BuildUsage(res.InputTokens, res.OutputTokens, message, res.Response),
	})
}

func (s *Server) streamChatCompletion(c *gin.Context, req *models.ChatRequest, responseID, model string) {
	ctx := c.Request.Context()
	start := time.Now()
	handler := stream.NewOpenAIStreamHandler(responseID, model)
	events := s.pool.ChatStream(ctx, req)
	setSSEHeaders(c)

	account := ""
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				w.Write([]byte(handler.Finish()))
				usage := handler.Usage(req.Message)
				logger.Info("OpenAI 流式响应完成 - 账号: %s, 模型: %s, 输入token: %d, 输出token: %d, 耗时: %dms",
					account, model, usage.PromptTokens, usage.CompletionTokens, time.Since(start).Milliseconds())
				return false
			}
			if ev.Account != "" {
				account = ev.Account
			}
			for _, sse := range handler.HandleEvent(ev) {
				w.Write([]byte(sse))
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// handleModels 模型列表
func (s *Server) handleModels(c *gin.Context) {
	created := s.startedAt.Unix()
	list := models.ModelList{Object: "list"}
	for _, id := range nativeModels {
		list.Data = append(list.Data, models.ModelInfo{ID: id, Object: "model", Created: created, OwnedBy: "anthropic"})
	}
	for _, id := range []string{"gpt-3.5-turbo", "gpt-4", "gpt-4o"} {
		list.Data = append(list.Data, models.ModelInfo{ID: id, Object: "model", Created: created, OwnedBy: "openai"})
	}
	c.JSON(http.StatusOK, list)
}
