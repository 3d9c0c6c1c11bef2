package pool

import (
	"context"
	"sync"
	"time"

	"claude-pool/internal/batch"
	"claude-pool/internal/logger"
	"claude-pool/internal/models"
	"claude-pool/internal/upstream"
)

// loginGroup 同一账号同时只有一个登录请求，其他调用方等待并共享结果
// 登录在独立的 goroutine 中进行，任何一个调用方取消都只结束它自己的等待
type loginGroup struct {
	mu    sync.Mutex
	calls map[string]*loginCall
}

type loginCall struct {
	done chan struct{}
	err  error
}

func (g *loginGroup) do(ctx context.Context, email string, fn func() error) error {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*loginCall)
	}
	c, ok := g.calls[email]
	if !ok {
		c = &loginCall{done: make(chan struct{})}
		g.calls[email] = c
		go func() {
			c.err = fn()
			g.mu.Lock()
			delete(g.calls, email)
			g.mu.Unlock()
			close(c.done)
		}()
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login 登录账号：成功后保存 token、状态置为 active、连续错误清零；失败则清空 token、状态置为 error
// 调用方取消只结束等待，已发出的登录照常完成并记录结果
func (p *Pool) Login(ctx context.Context, email string) error {
	acc, ok := p.view(email)
	if !ok {
		return ErrAccountNotFound
	}
	if acc.Status == models.StatusBanned {
		return ErrAccountBanned
	}

	base := context.WithoutCancel(ctx)
	return p.logins.do(ctx, email, func() error {
		lctx, cancel := context.WithTimeout(base, p.opts.LoginTimeout)
		defer cancel()

		start := time.Now()
		token, err := p.up.Login(lctx, email, acc.Password)

		p.update(email, func(a *models.Account) {
			if err != nil {
				a.Token = ""
				a.Status = models.Transition(a.Status, models.EventLoginFailed)
				return
			}
			a.Token = token
			a.Status = models.Transition(a.Status, models.EventLoginOK)
			a.ConsecutiveErrors = 0
		})

		if err != nil {
			logger.Warn("[账号池] 登录失败: %s - %s", email, upstream.Message(err))
			return err
		}
		logger.Info("[账号池] 登录成功: %s (耗时 %.0fms)", email, time.Since(start).Seconds()*1000)
		return nil
	})
}

// Probe 探测账号健康状况
// 200 置为 active；401 重新登录；其他状态码置为 error；网络错误只返回 false 不改状态
func (p *Pool) Probe(ctx context.Context, email string) bool {
	acc, ok := p.view(email)
	if !ok || acc.Status == models.StatusBanned {
		return false
	}
	if acc.Token == "" {
		return p.Login(ctx, email) == nil
	}

	pctx, cancel := context.WithTimeout(ctx, p.opts.LoginTimeout)
	err := p.up.Probe(pctx, email, acc.Token)
	cancel()

	if err == nil {
		p.update(email, func(a *models.Account) {
			a.Status = models.Transition(a.Status, models.EventProbeOK)
		})
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	switch upstream.Code(err) {
	case upstream.ErrCodeUnauthorized:
		logger.Info("[账号池] 账号 %s token 已失效，重新登录", email)
		return p.Login(ctx, email) == nil
	case upstream.ErrCodeBanned:
		p.update(email, func(a *models.Account) {
			a.Status = models.Transition(a.Status, models.EventBanned)
		})
		logger.Warn("[账号池] 探活发现账号 %s 已被封禁", email)
	case upstream.ErrCodeTimeout, upstream.ErrCodeNetworkError, upstream.ErrCodeCanceled:
		logger.Warn("[账号池] 探活 %s 失败: %s", email, upstream.Message(err))
	default:
		p.update(email, func(a *models.Account) {
			a.Status = models.Transition(a.Status, models.EventProbeFailed)
		})
		logger.Warn("[账号池] 探活 %s 返回异常: %s", email, upstream.Message(err))
	}
	return false
}

func (p *Pool) emails(skipBanned bool) []string {
	var out []string
	for _, acc := range p.Accounts() {
		if skipBanned && acc.Status == models.StatusBanned {
			continue
		}
		out = append(out, acc.Email)
	}
	return out
}

// LoginAll 并发登录所有未封禁账号并保存快照，返回成功数和尝试数
func (p *Pool) LoginAll(ctx context.Context) (int, int) {
	emails := p.emails(true)
	if len(emails) == 0 {
		return 0, 0
	}
	logger.Info("[账号池] 开始登录 %d 个账号 (并发 %d)", len(emails), p.opts.Concurrency)

	res := batch.Run(ctx, len(emails), p.opts.Concurrency, p.opts.LoginDelay, func(ctx context.Context, i int) bool {
		return p.Login(ctx, emails[i]) == nil
	})
	p.Save(ctx)

	logger.Info("[账号池] 登录完成 - 成功: %d/%d, 耗时: %.0fms", res.Succeeded, len(emails), res.Elapsed.Seconds()*1000)
	return res.Succeeded, len(emails)
}

// HealthCheckAll 并发探测所有账号，每个槽位探测后等待 HealthCheckDelay，返回健康数和账号总数
func (p *Pool) HealthCheckAll(ctx context.Context) (int, int) {
	emails := p.emails(false)
	if len(emails) == 0 {
		return 0, 0
	}

	res := batch.Run(ctx, len(emails), p.opts.Concurrency, p.opts.HealthCheckDelay, func(ctx context.Context, i int) bool {
		return p.Probe(ctx, emails[i])
	})

	logger.Info("[账号池] 健康检查完成 - 健康: %d/%d, 耗时: %.0fms", res.Succeeded, len(emails), res.Elapsed.Seconds()*1000)
	return res.Succeeded, len(emails)
}
