package pool

import (
	"claude-pool/internal/logger"
	"claude-pool/internal/models"
)

// MarkError 记录一次失败
// rate_limit 置为 rate_limited，ban 置为 banned，generic 在连续错误达到阈值时置为 error
func (p *Pool) MarkError(email string, kind models.ErrorKind) {
	var status models.AccountStatus
	var consecutive int
	ok := p.update(email, func(a *models.Account) {
		a.ErrorCount++
		a.ConsecutiveErrors++
		switch kind {
		case models.ErrorKindRateLimit:
			a.Status = models.Transition(a.Status, models.EventRateLimited)
		case models.ErrorKindBan:
			a.Status = models.Transition(a.Status, models.EventBanned)
		default:
			if a.ConsecutiveErrors >= p.opts.MaxConsecutiveErrors {
				a.Status = models.Transition(a.Status, models.EventThresholdReached)
			}
		}
		status = a.Status
		consecutive = a.ConsecutiveErrors
	})
	if ok {
		logger.Warn("[账号池] 账号 %s 记录错误 (%s)，连续错误 %d，当前状态 %s", email, kind, consecutive, status)
	}
}

// MarkSuccess 记录一次成功：连续错误清零、状态置为 active、请求数加一并更新最后使用时间
func (p *Pool) MarkSuccess(email string) {
	p.update(email, func(a *models.Account) {
		a.ConsecutiveErrors = 0
		a.Status = models.Transition(a.Status, models.EventExchangeOK)
		a.RequestCount++
		a.LastUsedAt = models.CurrentTime()
	})
}

// Stats 账号池统计
func (p *Pool) Stats() models.PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := models.PoolStats{
		Total:    len(p.order),
		Eligible: len(p.eligible),
		ByStatus: make(map[models.AccountStatus]int, len(models.AllStatuses)),
	}
	for _, s := range models.AllStatuses {
		stats.ByStatus[s] = 0
	}
	for _, email := range p.order {
		e := p.accounts[email]
		e.mu.Lock()
		stats.ByStatus[e.acc.Status]++
		stats.TotalRequests += e.acc.RequestCount
		stats.TotalErrors += e.acc.ErrorCount
		e.mu.Unlock()
	}
	return stats
}
