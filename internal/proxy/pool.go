package proxy

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"claude-pool/internal/logger"

	xproxy "golang.org/x/net/proxy"
)

// 代理选择策略
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
	StrategyAccount    = "account" // 同一账号固定走同一代理
)

// Pool 出站代理池，按账号分配代理
// @author ygw
type Pool struct {
	urls     []string
	strategy string
	index    uint32

	base       *http.Transport
	transports sync.Map // 派生后的代理地址 -> *http.Transport
}

// NewPool 创建代理池，无效地址会被跳过
func NewPool(urls []string, strategy string, base *http.Transport) *Pool {
	if strategy == "" {
		strategy = StrategyAccount
	}
	p := &Pool{strategy: strategy, base: base}
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := ValidateProxyURL(raw); err != nil {
			logger.Warn("[代理池] 跳过无效代理 %s: %v", raw, err)
			continue
		}
		p.urls = append(p.urls, raw)
	}
	if len(p.urls) > 0 {
		logger.Info("[代理池] 已加载 %d 个代理，策略: %s", len(p.urls), strategy)
	}
	return p
}

// Count 可用代理数量
func (p *Pool) Count() int {
	return len(p.urls)
}

// Pick 为账号选择代理地址，空字符串表示直连
func (p *Pool) Pick(account string) string {
	n := len(p.urls)
	if n == 0 {
		return ""
	}
	var selected string
	switch p.strategy {
	case StrategyRandom:
		selected = p.urls[rand.Intn(n)]
	case StrategyRoundRobin:
		idx := atomic.AddUint32(&p.index, 1) - 1
		selected = p.urls[idx%uint32(n)]
	default:
		selected = p.urls[hashAccount(account)%uint32(n)]
	}
	return DeriveProxyURL(selected, account)
}

// ClientFor 返回账号对应的 HTTP Client，没有代理时返回 nil
func (p *Pool) ClientFor(account string) *http.Client {
	proxyURL := p.Pick(account)
	if proxyURL == "" {
		return nil
	}
	if t, ok := p.transports.Load(proxyURL); ok {
		return &http.Client{Transport: t.(*http.Transport)}
	}
	t, err := NewTransport(p.base, proxyURL)
	if err != nil {
		logger.Error("[代理池] 账号 %s 的代理 %s 不可用，改为直连: %v", account, proxyURL, err)
		return nil
	}
	actual, _ := p.transports.LoadOrStore(proxyURL, t)
	logger.Debug("[代理池] 账号 %s 使用代理: %s", account, proxyURL)
	return &http.Client{Transport: actual.(*http.Transport)}
}

// NewTransport 基于 base 克隆出一个走指定代理的 Transport，支持 http/https/socks5
func NewTransport(base *http.Transport, proxyURL string) (*http.Transport, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("代理地址解析失败: %w", err)
	}
	t := base.Clone()
	if parsed.Scheme == "socks5" {
		dialer, err := xproxy.FromURL(parsed, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 代理配置失败: %w", err)
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
		t.Proxy = nil
		return t, nil
	}
	t.Proxy = http.ProxyURL(parsed)
	return t, nil
}

func hashAccount(account string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(account))
	return h.Sum32()
}

// DeriveProxyURL 把代理地址中的 % 占位符替换为账号的哈希，用于按账号派生会话
func DeriveProxyURL(proxyURL, account string) string {
	if !strings.Contains(proxyURL, "%") {
		return proxyURL
	}
	return strings.ReplaceAll(proxyURL, "%", strconv.FormatUint(uint64(hashAccount(account)), 10))
}

// ValidateProxyURL 验证代理 URL 格式
func ValidateProxyURL(proxyURL string) error {
	if proxyURL == "" {
		return fmt.Errorf("代理地址不能为空")
	}

	// 临时替换 % 占位符以便解析
	parsed, err := url.Parse(strings.ReplaceAll(proxyURL, "%", "session"))
	if err != nil {
		return fmt.Errorf("代理地址格式错误: %v", err)
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("不支持的代理协议: %s (仅支持 http/https/socks5)", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("代理地址缺少主机名")
	}
	if parsed.Port() == "" {
		return fmt.Errorf("代理地址缺少端口")
	}
	return nil
}
