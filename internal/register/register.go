package register

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"claude-pool/internal/batch"
	"claude-pool/internal/config"
	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
	"claude-pool/internal/models"
	"claude-pool/internal/pool"
	"claude-pool/internal/upstream"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*"

	emailPrefixLength = 10
)

// Signer 上游注册接口
type Signer interface {
	Signup(ctx context.Context, email, password string) error
}

// Result 单个账号的注册结果
type Result struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Options 注册参数
type Options struct {
	Domain         string
	PasswordLength int
	Concurrency    int
	Delay          time.Duration
	Timeout        time.Duration
}

// OptionsFromConfig 从应用配置取注册参数
func OptionsFromConfig(cfg *config.RegisterConfig) Options {
	return Options{
		Domain:         cfg.EmailDomain,
		PasswordLength: cfg.PasswordLength,
		Concurrency:    cfg.Concurrency,
		Delay:          cfg.Delay,
		Timeout:        cfg.Timeout,
	}
}

// Registrar 批量注册账号，成功的账号加入账号池
type Registrar struct {
	signer Signer
	pool   *pool.Pool
	opts   Options
}

// New 创建注册器，p 为 nil 时只注册不入池
func New(signer Signer, p *pool.Pool, opts Options) *Registrar {
	if opts.Domain == "" {
		opts.Domain = "gmail.com"
	}
	if opts.PasswordLength < 8 {
		opts.PasswordLength = 16
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Registrar{signer: signer, pool: p, opts: opts}
}

// WithConcurrency 返回使用指定并发数的副本，n <= 0 时保持原值
func (r *Registrar) WithConcurrency(n int) *Registrar {
	c := *r
	if n > 0 {
		c.opts.Concurrency = n
	}
	return &c
}

// Register 注册单个账号，email 或 password 为空时自动生成
func (r *Registrar) Register(ctx context.Context, email, password string) Result {
	if email == "" {
		email = GenerateEmail(r.opts.Domain)
	}
	if password == "" {
		password = GeneratePassword(r.opts.PasswordLength)
	}
	res := Result{
		Email:     email,
		Password:  password,
		Timestamp: models.CurrentTime(),
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	err := r.signer.Signup(sctx, email, password)
	res.StatusCode = upstream.StatusCode(err)
	res.Message = resultMessage(err)
	if err == nil {
		res.Success = true
		res.StatusCode = 200
		metrics.RegistrationsTotal.WithLabelValues("success").Inc()
		logger.Info("[注册] 注册成功: %s", email)
	} else {
		metrics.RegistrationsTotal.WithLabelValues(strings.ToLower(upstream.Code(err))).Inc()
		logger.Warn("[注册] 注册失败: %s - %s", email, res.Message)
	}
	return res
}

func resultMessage(err error) string {
	if err == nil {
		return "注册成功"
	}
	var se *upstream.StatusError
	switch upstream.Code(err) {
	case upstream.ErrCodeConflict:
		return "邮箱已存在"
	case upstream.ErrCodeTimeout:
		return "请求超时"
	case upstream.ErrCodeBadRequest:
		if errors.As(err, &se) {
			return fmt.Sprintf("请求错误: %s", se.Body)
		}
		return "请求错误"
	case upstream.ErrCodeNetworkError, upstream.ErrCodeCanceled:
		return fmt.Sprintf("网络错误: %v", err)
	}
	if errors.As(err, &se) {
		return fmt.Sprintf("注册失败 [%d]: %s", se.StatusCode, se.Body)
	}
	return fmt.Sprintf("未知错误: %v", err)
}

// RegisterBatch 批量注册 count 个随机账号，结果按生成顺序返回
// 成功的账号以 inactive 状态加入账号池并保存快照
func (r *Registrar) RegisterBatch(ctx context.Context, count int) []Result {
	if count <= 0 {
		return nil
	}
	type cred struct{ email, password string }
	creds := make([]cred, count)
	for i := range creds {
		creds[i] = cred{GenerateEmail(r.opts.Domain), GeneratePassword(r.opts.PasswordLength)}
	}

	logger.Info("[注册] 开始批量注册 %d 个账号 (并发 %d)", count, r.opts.Concurrency)
	results := make([]Result, count)
	res := batch.Run(ctx, count, r.opts.Concurrency, r.opts.Delay, func(ctx context.Context, i int) bool {
		results[i] = r.Register(ctx, creds[i].email, creds[i].password)
		return results[i].Success
	})
	for i := range results {
		if results[i].Email == "" {
			results[i] = Result{
				Email:     creds[i].email,
				Password:  creds[i].password,
				Message:   "已取消",
				Timestamp: models.CurrentTime(),
			}
		}
	}

	if r.pool != nil && res.Succeeded > 0 {
		added := 0
		for _, rr := range results {
			if !rr.Success {
				continue
			}
			if _, err := r.pool.AddAccount(rr.Email, rr.Password); err == nil {
				added++
			}
		}
		if added > 0 {
			r.pool.Save(ctx)
		}
	}

	logger.Info("[注册] 批量注册完成 - 成功: %d, 失败: %d, 耗时: %.0fms",
		res.Succeeded, count-res.Succeeded, res.Elapsed.Seconds()*1000)
	return results
}

// Summary 统计成功数
func Summary(results []Result) (success, failed int) {
	for _, r := range results {
		if r.Success {
			success++
		} else {
			failed++
		}
	}
	return success, failed
}

// SaveResults 把注册结果写入 JSON 文件
func SaveResults(path string, results []Result) error {
	success, failed := Summary(results)
	out := struct {
		Total    int      `json:"total"`
		Success  int      `json:"success"`
		Failed   int      `json:"failed"`
		Accounts []Result `json:"accounts"`
	}{len(results), success, failed, results}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化注册结果失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("写入注册结果失败: %w", err)
	}
	return nil
}

// GenerateEmail 生成随机邮箱：10 位小写字母或数字 + 月日时分秒
func GenerateEmail(domain string) string {
	if domain == "" {
		domain = "gmail.com"
	}
	prefix := randomString(lowerChars+digitChars, emailPrefixLength)
	return prefix + time.Now().Format("0102150405") + "@" + domain
}

// GeneratePassword 生成随机密码，至少包含一个大写字母、小写字母、数字和符号
func GeneratePassword(length int) string {
	if length < 4 {
		length = 4
	}
	all := upperChars + lowerChars + digitChars + symbolChars
	buf := []byte{
		randomChar(upperChars),
		randomChar(lowerChars),
		randomChar(digitChars),
		randomChar(symbolChars),
	}
	for len(buf) < length {
		buf = append(buf, randomChar(all))
	}
	for i := len(buf) - 1; i > 0; i-- {
		j := randomInt(i + 1)
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

func randomString(chars string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomChar(chars)
	}
	return string(b)
}

func randomChar(chars string) byte {
	return chars[randomInt(len(chars))]
}

func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand 不可用: %v", err))
	}
	return int(v.Int64())
}
