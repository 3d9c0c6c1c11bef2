// Package ratelimit 对话接口的滑动窗口限流
// 按客户端 IP 或 API Key 统计最近一个窗口内的请求数
// @author ygw
package ratelimit

import (
	"sync"
	"time"
)

// Decision 一次限流检查的结果
type Decision struct {
	Allowed    bool
	Count      int           // 窗口内请求数（含本次）
	Limit      int           // 窗口内允许的最大请求数
	Remaining  int           // 剩余配额，不限制时为 -1
	RetryAfter time.Duration // 被拒绝时距离最早一条记录过期的时间
}

// SlidingWindowLimiter 滑动日志限流器，记录每个请求的时间戳
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*windowEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type windowEntry struct {
	mu         sync.Mutex
	timestamps []time.Time // 按时间递增
}

// NewSlidingWindowLimiter 创建限流器，window 默认 60 秒
func NewSlidingWindowLimiter(window time.Duration) *SlidingWindowLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	l := &SlidingWindowLimiter{
		window:  window,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop(5 * time.Minute)
	return l
}

// Allow 检查并记录一次请求，limit <= 0 表示不限制
func (l *SlidingWindowLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &windowEntry{timestamps: make([]time.Time, 0, limit)}
		l.entries[key] = e
	}
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.trim(now.Add(-l.window))
	count := len(e.timestamps)
	if count >= limit {
		return Decision{
			Allowed:    false,
			Count:      count,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: e.timestamps[0].Add(l.window).Sub(now),
		}
	}

	e.timestamps = append(e.timestamps, now)
	return Decision{
		Allowed:   true,
		Count:     count + 1,
		Limit:     limit,
		Remaining: limit - count - 1,
	}
}

// trim 丢弃 cutoff 之前（含）的记录
func (e *windowEntry) trim(cutoff time.Time) {
	i := 0
	for i < len(e.timestamps) && !e.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[i:]...)
	}
}

// Count 当前窗口内的请求数
func (l *SlidingWindowLimiter) Count(key string) int {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.trim(l.now().Add(-l.window))
	return len(e.timestamps)
}

// Reset 清除指定 key 的记录
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Keys 正在跟踪的 key 数量
func (l *SlidingWindowLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Window 窗口大小
func (l *SlidingWindowLimiter) Window() time.Duration {
	return l.window
}

func (l *SlidingWindowLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup 删除窗口内已没有记录的 key
func (l *SlidingWindowLimiter) cleanup() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		e.mu.Lock()
		e.trim(cutoff)
		empty := len(e.timestamps) == 0
		e.mu.Unlock()
		if empty {
			delete(l.entries, key)
		}
	}
}

// Stop 停止后台清理，可重复调用
func (l *SlidingWindowLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
