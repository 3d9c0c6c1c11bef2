package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claude-pool/internal/config"
	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
	"claude-pool/internal/models"
	proxypool "claude-pool/internal/proxy"

	"github.com/cenkalti/backoff/v4"
)

const (
	LoginPath  = "/api/auth/login"
	SignupPath = "/api/auth/signup"
	MePath     = "/api/user/me"
	ChatPath   = "/api/chat/stream"

	DefaultMaxIdleConns          = 200
	DefaultMaxIdleConnsPerHost   = 100
	DefaultIdleConnTimeout       = 120 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultTLSHandshakeTimeout   = 15 * time.Second

	// 错误响应体最多保留的字节数
	maxErrorBody = 2048
)

// Client 上游对话服务客户端
type Client struct {
	baseURL    string
	userAgent  string
	retries    uint64
	httpClient *http.Client
	proxyPool  *proxypool.Pool
}

// NewClient 创建上游客户端
func NewClient(cfg *config.UpstreamConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = DefaultMaxIdleConns
	transport.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	transport.IdleConnTimeout = DefaultIdleConnTimeout
	transport.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	transport.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	transport.ExpectContinueTimeout = 1 * time.Second
	transport.ForceAttemptHTTP2 = true

	// 代理池中的代理基于未配置全局代理的 Transport
	base := transport.Clone()

	if cfg.HTTPProxy != "" {
		if t, err := proxypool.NewTransport(transport, cfg.HTTPProxy); err != nil {
			logger.Error("[上游] 全局代理配置失败: %v", err)
		} else {
			transport = t
			logger.Info("[上游] 已配置全局代理: %s", cfg.HTTPProxy)
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		retries:    cfg.Retries,
		httpClient: &http.Client{Transport: transport},
		proxyPool:  proxypool.NewPool(cfg.Proxies, cfg.ProxyStrategy, base),
	}
}

// BaseURL 上游地址
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) clientFor(account string) *http.Client {
	if hc := c.proxyPool.ClientFor(account); hc != nil {
		return hc
	}
	return c.httpClient
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	return req, nil
}

// do 发送请求并记录耗时，非 200 时读取响应体并返回 StatusError
func (c *Client) do(op, account string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.clientFor(account).Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// retry 只对网络错误重试，拿到状态码的错误直接返回
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if StatusCode(err) != 0 || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		logger.Debug("[上游] %s 第 %d 次请求失败: %v", op, attempt, err)
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(expo, c.retries), ctx))
}

// Login 登录并返回 token
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var token string
	err := c.retry(ctx, "login", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, LoginPath, map[string]string{
			"email":    email,
			"password": password,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.do("login", email, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out struct {
			AuthToken string `json:"auth_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("解析登录响应失败: %w", err))
		}
		if out.AuthToken == "" {
			return backoff.Permanent(ErrEmptyToken)
		}
		token = out.AuthToken
		return nil
	})
	return token, err
}

// Probe 用 token 请求用户信息，200 返回 nil
func (c *Client) Probe(ctx context.Context, email, token string) error {
	return c.retry(ctx, "probe", func() error {
		req, err := c.newRequest(ctx, http.MethodGet, MePath, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.do("probe", email, req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	})
}

// Signup 注册账号，409 返回 ErrConflict
func (c *Client) Signup(ctx context.Context, email, password string) error {
	req, err := c.newRequest(ctx, http.MethodPost, SignupPath, map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}
	resp, err := c.do("signup", email, req)
	if err != nil {
		if StatusCode(err) == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrConflict, email)
		}
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// chatPayload 上游对话请求体
type chatPayload struct {
	Message        string `json:"message"`
	Model          string `json:"model"`
	Thinking       bool   `json:"thinking"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ChatStream 发起流式对话，拿到 200 响应头后返回事件流，非 200 返回 StatusError
// 网络错误不重试，由账号池决定如何处理
func (c *Client) ChatStream(ctx context.Context, email, token string, r *models.ChatRequest) (<-chan models.ChatEvent, <-chan error, error) {
	req, err := c.newRequest(ctx, http.MethodPost, ChatPath, chatPayload{
		Message:        r.Message,
		Model:          r.Model,
		Thinking:       r.Thinking,
		ConversationID: r.ConversationID,
	})
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do("chat", email, req)
	if err != nil {
		return nil, nil, err
	}
	events, errs := StreamEvents(ctx, resp.Body)
	return events, errs, nil
}
