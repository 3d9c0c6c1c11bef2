package api

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"claude-pool/internal/config"
	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
	"claude-pool/internal/pool"
	"claude-pool/internal/ratelimit"
	"claude-pool/internal/register"
)

// Server 账号池 HTTP 服务
type Server struct {
	cfg       *config.Config
	pool      *pool.Pool
	registrar *register.Registrar
	sweeper   *pool.Sweeper
	version   string
	startedAt time.Time

	apiKeys map[string]struct{}
	// 每个客户端 IP 的对话请求限流（60 秒滑动窗口）
	rateLimiter *ratelimit.SlidingWindowLimiter

	// 批量注册同一时间只允许一个
	registering atomic.Bool
}

// NewServer 创建 API 服务，registrar 和 sweeper 可以为 nil
func NewServer(cfg *config.Config, p *pool.Pool, registrar *register.Registrar, sweeper *pool.Sweeper, version string) *Server {
	s := &Server{
		cfg:         cfg,
		pool:        p,
		registrar:   registrar,
		sweeper:     sweeper,
		version:     version,
		startedAt:   time.Now(),
		apiKeys:     make(map[string]struct{}),
		rateLimiter: ratelimit.NewSlidingWindowLimiter(time.Minute),
	}
	for _, k := range cfg.Server.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.apiKeys[k] = struct{}{}
		}
	}
	if len(s.apiKeys) > 0 {
		logger.Info("[服务] 对话接口已启用 API Key 校验 (%d 个)", len(s.apiKeys))
	}
	if cfg.Server.AdminPassword != "" {
		logger.Info("[服务] 账号池管理接口已启用密码保护")
	}
	return s
}

// Close 释放后台资源
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

// Router 构建 gin 路由
func (s *Server) Router() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metricsMiddleware())

	// 日志中间件
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		// 跳过指标抓取和日志流
		if path == "/metrics" || path == "/api/logs/stream" {
			return
		}
		logger.LogRequest(method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	})

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	s.setupRoutes(r)
	return r
}

// metricsMiddleware 按路由模板统计请求数和耗时
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

func extractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth != "" && strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return c.GetHeader("X-Api-Key")
}

// requireAdmin 账号池管理接口的密码校验，未配置密码时放行
func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.Server.AdminPassword == "" {
		c.Next()
		return
	}

	password := extractBearerToken(c)
	if password == "" {
		// SSE 等不支持 header 的场景，从 URL 参数读取
		password = c.Query("token")
	}
	if password == "" {
		logger.Warn("管理员认证失败 - 未提供令牌 - 来源: %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未授权访问", "code": "UNAUTHORIZED"})
		c.Abort()
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Server.AdminPassword)) != 1 {
		logger.Warn("管理员认证失败 - 无效密码 - 来源: %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "密码错误", "code": "INVALID_PASSWORD"})
		c.Abort()
		return
	}
	c.Next()
}

// requireAPIKey 对话接口的 API Key 校验，未配置时放行
func (s *Server) requireAPIKey(c *gin.Context) {
	if len(s.apiKeys) == 0 {
		c.Next()
		return
	}
	key := extractBearerToken(c)
	if _, ok := s.apiKeys[key]; !ok || key == "" {
		logger.Warn("API Key 校验失败 - 来源: %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "无效的 API Key",
				"type":    "authentication_error",
			},
		})
		c.Abort()
		return
	}
	c.Next()
}

// rateLimitMiddleware 按客户端 IP 限流，RateLimitPerMin 为 0 时不限制
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := s.cfg.Server.RateLimitPerMin
		if limit <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		d := s.rateLimiter.Allow(clientIP, limit)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			logger.Warn("IP限流触发 - IP: %s, 请求数: %d, 限制: %d/分钟", clientIP, d.Count, d.Limit)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("请求过于频繁，请稍后重试（IP限制：%d 次/分钟）", d.Limit),
				"code":  "IP_RATE_LIMIT_EXCEEDED",
				"type":  "rate_limit_error",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
