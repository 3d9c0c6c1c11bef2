package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"claude-pool/internal/config"
	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
	"claude-pool/internal/models"
	"claude-pool/internal/store"
)

var (
	ErrNoEligibleAccount = errors.New("没有可用账号")
	ErrAllRateLimited    = errors.New("所有账号都被限流")
	ErrAccountNotFound   = errors.New("账号不存在")
	ErrAccountExists     = errors.New("账号已存在")
	ErrAccountBanned     = errors.New("账号已被封禁")
)

// Upstream 账号池依赖的上游能力
type Upstream interface {
	Login(ctx context.Context, email, password string) (string, error)
	Probe(ctx context.Context, email, token string) error
	ChatStream(ctx context.Context, email, token string, req *models.ChatRequest) (<-chan models.ChatEvent, <-chan error, error)
}

// Options 调度参数
type Options struct {
	MaxConsecutiveErrors int
	ChatTimeout          time.Duration
	LoginTimeout         time.Duration
	Concurrency          int
	LoginDelay           time.Duration
	HealthCheckDelay     time.Duration
	DefaultModel         string
}

// OptionsFromConfig 从应用配置取调度参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConsecutiveErrors: cfg.Pool.MaxConsecutiveErrors,
		ChatTimeout:          cfg.Upstream.ChatTimeout,
		LoginTimeout:         cfg.Upstream.LoginTimeout,
		Concurrency:          cfg.Pool.Concurrency,
		LoginDelay:           cfg.Pool.LoginDelay,
		HealthCheckDelay:     cfg.Pool.HealthCheckDelay,
		DefaultModel:         cfg.Pool.DefaultModel,
	}
}

func (o *Options) normalize() {
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 3
	}
	if o.ChatTimeout <= 0 {
		o.ChatTimeout = 120 * time.Second
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 30 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.DefaultModel == "" {
		o.DefaultModel = "claude-sonnet-4-5"
	}
}

// entry 单个账号及其锁
type entry struct {
	mu  sync.Mutex
	acc *models.Account
}

// Pool 账号池调度器
// 锁顺序：先 Pool.mu 再 entry.mu，持有 entry.mu 时不得再获取 Pool.mu
type Pool struct {
	opts  Options
	up    Upstream
	store store.Store

	mu       sync.RWMutex
	accounts map[string]*entry
	order    []string // 加入顺序，快照和可用列表都按此排序
	eligible []string
	cursor   int

	logins loginGroup
}

// New 创建账号池，st 为 nil 时不持久化
func New(up Upstream, st store.Store, opts Options) *Pool {
	opts.normalize()
	return &Pool{
		opts:     opts,
		up:       up,
		store:    st,
		accounts: make(map[string]*entry),
	}
}

// Options 返回调度参数
func (p *Pool) Options() Options { return p.opts }

// Load 从存储恢复账号，读取失败时从空池开始
func (p *Pool) Load(ctx context.Context) int {
	var accounts []*models.Account
	if p.store != nil {
		accounts = store.LoadOrEmpty(ctx, p.store)
	}
	p.Replace(accounts)
	return len(accounts)
}

// Replace 用给定账号整体替换池内容
func (p *Pool) Replace(accounts []*models.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = make(map[string]*entry, len(accounts))
	p.order = p.order[:0]
	for _, acc := range accounts {
		if _, ok := p.accounts[acc.Email]; ok {
			continue
		}
		p.accounts[acc.Email] = &entry{acc: acc.Clone()}
		p.order = append(p.order, acc.Email)
	}
	p.cursor = 0
	p.recomputeLocked()
}

// Save 把当前状态整体写入存储
func (p *Pool) Save(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	snap := &models.Snapshot{
		UpdatedAt: models.CurrentTime(),
		Accounts:  p.Accounts(),
	}
	if err := p.store.Save(ctx, snap); err != nil {
		logger.Error("[账号池] 保存快照失败: %v", err)
		return fmt.Errorf("保存快照失败: %w", err)
	}
	logger.Debug("[账号池] 已保存 %d 个账号", len(snap.Accounts))
	return nil
}

// Len 账号总数
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Accounts 按加入顺序返回所有账号的副本
func (p *Pool) Accounts() []*models.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.Account, 0, len(p.order))
	for _, email := range p.order {
		e := p.accounts[email]
		e.mu.Lock()
		out = append(out, e.acc.Clone())
		e.mu.Unlock()
	}
	return out
}

// Account 返回单个账号的副本
func (p *Pool) Account(email string) (*models.Account, error) {
	e := p.entry(email)
	if e == nil {
		return nil, ErrAccountNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.Clone(), nil
}

// AddAccount 添加未登录账号
func (p *Pool) AddAccount(email, password string) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[email]; ok {
		return nil, ErrAccountExists
	}
	acc := models.NewAccount(email, password)
	p.accounts[email] = &entry{acc: acc}
	p.order = append(p.order, email)
	p.recomputeLocked()
	logger.Info("[账号池] 添加账号: %s", email)
	return acc.Clone(), nil
}

// RemoveAccount 删除账号，不存在时返回 false
func (p *Pool) RemoveAccount(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[email]; !ok {
		return false
	}
	delete(p.accounts, email)
	for i, e := range p.order {
		if e == email {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.recomputeLocked()
	logger.Info("[账号池] 删除账号: %s", email)
	return true
}

// ResetAccount 人工重置账号为 inactive，清空 token 和连续错误，是离开 banned 的唯一途径
// 返回重置后的账号副本
func (p *Pool) ResetAccount(email string) (*models.Account, error) {
	var reset *models.Account
	ok := p.update(email, func(acc *models.Account) {
		acc.Status = models.Transition(acc.Status, models.EventOperatorReset)
		acc.Token = ""
		acc.ConsecutiveErrors = 0
		reset = acc.Clone()
	})
	if !ok {
		return nil, ErrAccountNotFound
	}
	logger.Info("[账号池] 账号 %s 已人工重置", email)
	return reset, nil
}

func (p *Pool) entry(email string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accounts[email]
}

// update 在账号锁内修改账号，之后重算可用列表
func (p *Pool) update(email string, fn func(acc *models.Account)) bool {
	e := p.entry(email)
	if e == nil {
		return false
	}
	e.mu.Lock()
	fn(e.acc)
	e.mu.Unlock()

	p.mu.Lock()
	p.recomputeLocked()
	p.mu.Unlock()
	return true
}

// view 在账号锁内读取账号
func (p *Pool) view(email string) (models.Account, bool) {
	e := p.entry(email)
	if e == nil {
		return models.Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.acc, true
}

// recomputeLocked 重算可用列表并刷新指标，调用方持有 p.mu 写锁
func (p *Pool) recomputeLocked() {
	eligible := make([]string, 0, len(p.order))
	counts := make(map[models.AccountStatus]int, len(models.AllStatuses))
	for _, email := range p.order {
		e := p.accounts[email]
		e.mu.Lock()
		if e.acc.IsEligible() {
			eligible = append(eligible, email)
		}
		counts[e.acc.Status]++
		e.mu.Unlock()
	}
	p.eligible = eligible

	for _, s := range models.AllStatuses {
		metrics.Accounts.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.EligibleAccounts.Set(float64(len(eligible)))
}

func (p *Pool) isEligibleLocked(email string) bool {
	e, ok := p.accounts[email]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.IsEligible()
}
