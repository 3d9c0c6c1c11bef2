package pool

import (
	"context"
	"fmt"
	"strings"

	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
	"claude-pool/internal/models"
	"claude-pool/internal/upstream"
)

// ChatStream 发起流式对话，事件通道在对话结束后关闭
// 账号级别的失败以 error 事件返回；取消 ctx 会停止转发且不修改账号状态
func (p *Pool) ChatStream(ctx context.Context, req *models.ChatRequest) <-chan models.ChatEvent {
	r := *req
	if r.Model == "" {
		r.Model = p.opts.DefaultModel
	}
	out := make(chan models.ChatEvent, 16)
	go func() {
		defer close(out)
		p.exchange(ctx, &r, out)
	}()
	return out
}

// Chat 非流式对话，聚合所有事件
func (p *Pool) Chat(ctx context.Context, req *models.ChatRequest) models.ChatResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var res models.ChatResult
	var text strings.Builder
	full := ""
	for ev := range p.ChatStream(ctx, req) {
		if ev.Account != "" {
			res.Account = ev.Account
		}
		switch ev.Type {
		case models.EventTypeStart:
			res.InputTokens = ev.InputTokens
		case models.EventTypeText:
			text.WriteString(ev.Text)
		case models.EventTypeDone:
			res.OutputTokens = ev.OutputTokens
			full = ev.FullResponse
		case models.EventTypeConversationID:
			res.ConversationID = ev.ID
		case models.EventTypeError:
			res.Success = false
			res.Message = ev.Message
			return res
		}
	}
	if ctx.Err() != nil {
		res.Message = "请求已取消"
		return res
	}

	res.Success = true
	res.Response = full
	if res.Response == "" {
		res.Response = text.String()
	}
	return res
}

// exchange 失败转移循环：401 重新登录后在同一账号重试一次，429 换一个未试过的账号，其他失败直接返回
func (p *Pool) exchange(ctx context.Context, req *models.ChatRequest, out chan<- models.ChatEvent) {
	emit := func(email, msg string) {
		ev := models.ErrorEvent(msg)
		ev.Account = email
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	email := req.Account
	if email != "" {
		if p.entry(email) == nil {
			emit("", fmt.Sprintf("账号不存在: %s", email))
			return
		}
	} else {
		next, err := p.next(nil)
		if err != nil {
			metrics.ExchangesTotal.WithLabelValues("exhausted").Inc()
			emit("", ErrNoEligibleAccount.Error())
			return
		}
		email = next
	}

	tried := make(map[string]bool)
	relogged := false

	for attempt, limit := 0, p.Len()+2; attempt < limit; attempt++ {
		acc, ok := p.view(email)
		if !ok {
			emit(email, fmt.Sprintf("账号不存在: %s", email))
			return
		}
		if acc.Status == models.StatusBanned {
			emit(email, ErrAccountBanned.Error())
			return
		}
		if acc.Token == "" {
			// 指定的账号还没有登录
			relogged = true
			if err := p.Login(ctx, email); err != nil {
				if ctx.Err() == nil {
					emit(email, fmt.Sprintf("账号 %s 登录失败", email))
				}
				return
			}
			acc, _ = p.view(email)
		}

		cctx, cancel := context.WithTimeout(ctx, p.opts.ChatTimeout)
		events, errs, err := p.up.ChatStream(cctx, email, acc.Token, req)
		if err == nil {
			p.MarkSuccess(email)
			metrics.ExchangesTotal.WithLabelValues("success").Inc()
			p.forward(ctx, email, events, errs, out, emit)
			cancel()
			return
		}
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch upstream.Code(err) {
		case upstream.ErrCodeUnauthorized:
			metrics.ExchangesTotal.WithLabelValues("unauthorized").Inc()
			if relogged {
				p.MarkError(email, models.ErrorKindGeneric)
				emit(email, "重新登录后仍然认证失败")
				return
			}
			relogged = true
			logger.Info("[账号池] 账号 %s 返回 401，重新登录后重试", email)
			if lerr := p.Login(ctx, email); lerr != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.ExchangesTotal.WithLabelValues("relogin_failed").Inc()
				p.MarkError(email, models.ErrorKindGeneric)
				emit(email, "登录失败: 认证已失效且重新登录失败")
				return
			}
			continue

		case upstream.ErrCodeRateLimited:
			metrics.ExchangesTotal.WithLabelValues("rate_limited").Inc()
			p.MarkError(email, models.ErrorKindRateLimit)
			tried[email] = true
			next, nerr := p.next(tried)
			if nerr != nil {
				metrics.ExchangesTotal.WithLabelValues("exhausted").Inc()
				emit(email, ErrAllRateLimited.Error())
				return
			}
			logger.Info("[账号池] 账号 %s 被限流，切换到 %s", email, next)
			metrics.FailoversTotal.Inc()
			email = next
			relogged = false
			continue

		case upstream.ErrCodeBanned:
			metrics.ExchangesTotal.WithLabelValues("banned").Inc()
			p.MarkError(email, models.ErrorKindBan)
			emit(email, upstream.Message(err))
			return

		default:
			metrics.ExchangesTotal.WithLabelValues("failure").Inc()
			p.MarkError(email, models.ErrorKindGeneric)
			logger.Warn("[账号池] 账号 %s 请求失败: %v", email, err)
			emit(email, upstream.Message(err))
			return
		}
	}

	emit(email, "重试次数已用完")
}

// forward 把上游事件标记账号后转发；流中途出错记为一次普通失败
func (p *Pool) forward(ctx context.Context, email string, events <-chan models.ChatEvent, errs <-chan error, out chan<- models.ChatEvent, emit func(email, msg string)) {
	for ev := range events {
		ev.Account = email
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := <-errs; err != nil && ctx.Err() == nil {
		p.MarkError(email, models.ErrorKindGeneric)
		logger.Warn("[账号池] 账号 %s 事件流中断: %v", email, err)
		emit(email, upstream.Message(err))
	}
}
