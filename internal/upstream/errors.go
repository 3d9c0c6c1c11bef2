package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dlclark/regexp2"
)

// 错误码常量
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"  // token 失效
	ErrCodeRateLimited  = "RATE_LIMITED"  // 被上游限流
	ErrCodeBanned       = "BANNED"        // 账号被封禁
	ErrCodeConflict     = "CONFLICT"      // 注册时邮箱已存在
	ErrCodeBadRequest   = "BAD_REQUEST"   // 请求参数错误
	ErrCodeServerError  = "SERVER_ERROR"  // 其他非 200 状态
	ErrCodeTimeout      = "TIMEOUT"       // 请求超时
	ErrCodeNetworkError = "NETWORK_ERROR" // 网络错误
	ErrCodeCanceled     = "CANCELED"      // 调用方取消
)

// StatusError 上游返回了非 200 状态码
type StatusError struct {
	Op         string // login, probe, chat, signup
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: 上游返回 %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: 上游返回 %d: %s", e.Op, e.StatusCode, e.Body)
}

// ErrConflict 注册时邮箱已存在
var ErrConflict = errors.New("邮箱已存在")

// ErrEmptyToken 登录返回 200 但没有 token
var ErrEmptyToken = errors.New("登录响应中没有 auth_token")

// 封禁提示，需要排除 "not banned" 这类否定说法，所以用 regexp2 的后顾断言
var banPatterns = []*regexp2.Regexp{
	regexp2.MustCompile(`(?<!\bnot\s)(?<!\bnever\s)\b(banned|suspended|terminated)\b`, regexp2.IgnoreCase),
	regexp2.MustCompile(`\baccount\s+(has\s+been\s+)?(disabled|blocked|locked)\b`, regexp2.IgnoreCase),
	regexp2.MustCompile(`(封禁|封号|已停用)`, regexp2.None),
}

// IsBanMessage 响应内容是否为封禁提示
func IsBanMessage(body string) bool {
	for _, re := range banPatterns {
		if ok, _ := re.MatchString(body); ok {
			return true
		}
	}
	return false
}

// StatusCode 取出错误中的 HTTP 状态码，不是 StatusError 时返回 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Code 把错误归类为错误码
func Code(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrConflict) {
		return ErrCodeConflict
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized:
			return ErrCodeUnauthorized
		case se.StatusCode == http.StatusTooManyRequests:
			return ErrCodeRateLimited
		case (se.StatusCode == http.StatusForbidden || se.StatusCode == http.StatusLocked) && IsBanMessage(se.Body):
			return ErrCodeBanned
		case se.StatusCode == http.StatusConflict:
			return ErrCodeConflict
		case se.StatusCode == http.StatusBadRequest:
			return ErrCodeBadRequest
		default:
			return ErrCodeServerError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCodeCanceled
	}
	if strings.Contains(err.Error(), "Client.Timeout") {
		return ErrCodeTimeout
	}
	return ErrCodeNetworkError
}

// Message 错误码对应的中文提示
func Message(err error) string {
	switch Code(err) {
	case ErrCodeUnauthorized:
		return "认证已失效"
	case ErrCodeRateLimited:
		return "请求被限流"
	case ErrCodeBanned:
		return "账号已被封禁"
	case ErrCodeConflict:
		return "邮箱已存在"
	case ErrCodeBadRequest:
		return "请求参数错误"
	case ErrCodeTimeout:
		return "请求超时"
	case ErrCodeCanceled:
		return "请求已取消"
	case ErrCodeServerError:
		return fmt.Sprintf("上游返回错误: HTTP %d", StatusCode(err))
	default:
		return fmt.Sprintf("网络错误: %v", err)
	}
}
