package pool

import "claude-pool/internal/models"

// Select 轮询选出下一个可用账号
func (p *Pool) Select() (*models.Account, error) {
	email, err := p.next(nil)
	if err != nil {
		return nil, err
	}
	return p.Account(email)
}

// next 在可用列表上轮询，跳过 exclude 中的账号
// 游标每次选择都前进一位并对当前列表长度取模；游标指向的账号已失效时重算列表后继续
func (p *Pool) next(exclude map[string]bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.eligible) == 0 {
		p.recomputeLocked()
	}

	for steps := 2*len(p.order) + 2; steps > 0; steps-- {
		n := len(p.eligible)
		if n == 0 {
			return "", ErrNoEligibleAccount
		}
		idx := p.cursor % n
		p.cursor = (idx + 1) % n
		email := p.eligible[idx]

		if exclude[email] {
			if p.allExcludedLocked(exclude) {
				return "", ErrNoEligibleAccount
			}
			continue
		}
		if p.isEligibleLocked(email) {
			return email, nil
		}
		p.recomputeLocked()
	}
	return "", ErrNoEligibleAccount
}

func (p *Pool) allExcludedLocked(exclude map[string]bool) bool {
	for _, email := range p.eligible {
		if !exclude[email] {
			return false
		}
	}
	return true
}
