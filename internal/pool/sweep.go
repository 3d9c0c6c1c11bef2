package pool

import (
	"context"
	"sync/atomic"
	"time"

	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
)

// Sweeper 定期对全部账号做健康检查并保存快照，同一时间最多一轮
type Sweeper struct {
	pool     *Pool
	interval time.Duration
	running  atomic.Bool
	lastRun  atomic.Int64 // unix 秒
}

// NewSweeper 创建定期检查器
func NewSweeper(p *Pool, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Sweeper{pool: p, interval: interval}
}

// Start 启动后台检查，ctx 取消后退出；第一轮在一个间隔之后执行
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("[健康检查] 已停止")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	logger.Info("[健康检查] 已启动，间隔 %v", s.interval)
}

// RunOnce 执行一轮检查；已有一轮在进行时直接返回 false
func (s *Sweeper) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SweepsTotal.WithLabelValues("skipped").Inc()
		logger.Debug("[健康检查] 上一轮尚未结束，跳过")
		return false
	}
	defer s.running.Store(false)

	start := time.Now()
	healthy, total := s.pool.HealthCheckAll(ctx)
	if err := s.pool.Save(ctx); err != nil {
		metrics.SweepsTotal.WithLabelValues("save_failed").Inc()
	} else {
		metrics.SweepsTotal.WithLabelValues("ok").Inc()
	}
	s.lastRun.Store(time.Now().Unix())

	logger.Info("[健康检查] 完成 - 健康: %d/%d, 耗时: %.0fms", healthy, total, time.Since(start).Seconds()*1000)
	return true
}

// Running 是否正在检查
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// LastRun 上次完成检查的时间，从未执行时为零值
func (s *Sweeper) LastRun() time.Time {
	ts := s.lastRun.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
