package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"claude-pool/internal/logger"
	"claude-pool/internal/models"
	"claude-pool/internal/pool"
	"claude-pool/internal/register"
)

const maxRegisterCount = 100

var endpoints = gin.H{
	"GET /":                          "管理界面",
	"GET /health":                    "服务健康状态",
	"GET /stats":                     "账号池统计",
	"GET /metrics":                   "Prometheus 指标",
	"POST /api/pool/register":        "批量注册 {count, concurrent?}",
	"POST /api/pool/login":           "登录所有账号",
	"POST /api/pool/health":          "健康检查",
	"GET /api/pool/accounts":         "列出账号",
	"POST /api/pool/add":             "添加已有账号 {email, password}",
	"DELETE /api/pool/remove/:email": "移除账号",
	"POST /api/pool/reset/:email":    "重置账号状态",
	"POST /api/chat":                 "同步聊天 {message, model?}",
	"POST /api/chat/stream":          "流式聊天 (SSE)",
	"POST /v1/chat/completions":      "OpenAI 兼容接口",
	"GET /v1/models":                 "模型列表",
}

// handleAPIInfo 服务信息
func (s *Server) handleAPIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "claude-pool",
		"version":   s.version,
		"uptime":    int64(time.Since(s.startedAt).Seconds()),
		"stats":     s.pool.Stats(),
		"endpoints": endpoints,
	})
}

// handleHealth 有可用账号时为 ok，否则为 degraded
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.pool.Stats()
	status := "ok"
	if stats.Eligible == 0 {
		status = "degraded"
	}
	resp := gin.H{
		"status":          status,
		"active_accounts": stats.Eligible,
		"total_accounts":  stats.Total,
	}
	if s.sweeper != nil {
		resp["sweep_running"] = s.sweeper.Running()
		if last := s.sweeper.LastRun(); !last.IsZero() {
			resp["last_sweep"] = last.Format(models.TimeFormat)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats 账号池统计
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Stats())
}

// handleRegister 批量注册后登录全部账号
func (s *Server) handleRegister(c *gin.Context) {
	if s.registrar == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "注册功能未启用"})
		return
	}

	req := struct {
		Count      int `json:"count"`
		Concurrent int `json:"concurrent"`
	}{Count: 5, Concurrent: 3}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求格式"})
		return
	}
	if req.Count < 1 || req.Count > maxRegisterCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count 需在 1 到 100 之间"})
		return
	}

	if !s.registering.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "已有注册任务在进行"})
		return
	}
	defer s.registering.Store(false)

	ctx := c.Request.Context()
	results := s.registrar.WithConcurrency(req.Concurrent).RegisterBatch(ctx, req.Count)
	s.pool.LoginAll(ctx)

	accounts := make([]gin.H, 0, len(results))
	for _, r := range results {
		if r.Success {
			accounts = append(accounts, gin.H{"email": r.Email, "password": r.Password})
		}
	}
	_, failed := register.Summary(results)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"registered": len(accounts),
		"failed":     failed,
		"accounts":   accounts,
	})
}

// handleLoginAll 登录所有账号
func (s *Server) handleLoginAll(c *gin.Context) {
	ok, total := s.pool.LoginAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"logged_in": ok,
		"attempted": total,
		"active":    s.pool.Stats().Eligible,
	})
}

// handleHealthCheck 立即执行一轮健康检查
func (s *Server) handleHealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	if s.sweeper != nil {
		if !s.sweeper.RunOnce(ctx) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "message": "健康检查正在进行", "stats": s.pool.Stats()})
			return
		}
	} else {
		s.pool.HealthCheckAll(ctx)
		s.pool.Save(detach(ctx))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": s.pool.Stats()})
}

// handleListAccounts 列出账号（不含 token）
func (s *Server) handleListAccounts(c *gin.Context) {
	status := models.AccountStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的状态"})
		return
	}

	type accountItem struct {
		models.AccountView
		Password string `json:"password"`
	}
	accounts := make([]accountItem, 0)
	for _, acc := range s.pool.Accounts() {
		if status != "" && acc.Status != status {
			continue
		}
		accounts = append(accounts, accountItem{AccountView: acc.View(), Password: acc.Password})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

// handleAddAccount 添加已有账号并立即登录，登录失败时移除
func (s *Server) handleAddAccount(c *gin.Context) {
	var req models.AccountCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "需要 email 和 password"})
		return
	}

	if _, err := s.pool.AddAccount(req.Email, req.Password); err != nil {
		if errors.Is(err, pool.ErrAccountExists) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "message": "账号已存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := s.pool.Login(ctx, req.Email); err != nil {
		s.pool.RemoveAccount(req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "登录失败"})
		return
	}
	s.pool.Save(detach(ctx))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "账号 " + req.Email + " 添加成功"})
}

// handleRemoveAccount 移除账号
func (s *Server) handleRemoveAccount(c *gin.Context) {
	email := c.Param("email")
	if !s.pool.RemoveAccount(email) {
		c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
		return
	}
	s.pool.Save(detach(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleResetAccount 人工重置账号状态
func (s *Server) handleResetAccount(c *gin.Context) {
	email := c.Param("email")
	acc, err := s.pool.ResetAccount(email)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
		return
	}
	s.pool.Save(detach(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"success": true, "account": acc.View()})
}

// handleServerLogsStream 推送服务日志
func (s *Server) handleServerLogsStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("connected", "ok")
	c.Writer.Flush()

	logCh := logger.Subscribe()
	defer logger.Unsubscribe(logCh)

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-logCh:
			if !ok {
				return false
			}
			c.SSEvent("log", msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// detach 返回不随客户端断开而取消的 ctx，用于必须完成的保存
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
