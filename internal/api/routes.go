package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claude-pool/frontend"
)

// setupRoutes 配置所有 HTTP 路由
func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/", s.handleDashboard)
	r.GET("/api", s.handleAPIInfo)
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/version", s.handleVersion)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 账号池管理
	poolGroup := r.Group("/api/pool")
	poolGroup.Use(s.requireAdmin)
	{
		poolGroup.POST("/register", s.handleRegister)
		poolGroup.POST("/login", s.handleLoginAll)
		poolGroup.POST("/health", s.handleHealthCheck)
		poolGroup.GET("/accounts", s.handleListAccounts)
		poolGroup.POST("/add", s.handleAddAccount)
		poolGroup.DELETE("/remove/:email", s.handleRemoveAccount)
		poolGroup.POST("/reset/:email", s.handleResetAccount)
	}

	// 服务日志流（SSE）
	r.GET("/api/logs/stream", s.requireAdmin, s.handleServerLogsStream)

	// 对话接口：IP 限流 -> API Key 校验 -> 业务处理
	chat := []gin.HandlerFunc{s.rateLimitMiddleware(), s.requireAPIKey}
	r.POST("/api/chat", append(chat, s.handleChat)...)
	r.POST("/api/chat/stream", append(chat, s.handleChatStream)...)
	r.POST("/v1/chat/completions", append(chat, s.handleChatCompletions)...)
	r.GET("/v1/models", s.handleModels)
}

// handleDashboard 提供管理页面
func (s *Server) handleDashboard(c *gin.Context) {
	data, err := frontend.StaticFiles.ReadFile("index.html")
	if err != nil {
		c.String(http.StatusOK, "前端页面未找到，请访问 /api 查看API信息")
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// handleVersion 返回版本信息
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.version})
}
