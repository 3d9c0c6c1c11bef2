package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Result 批量任务的统计
type Result struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int // ctx 取消后未执行的任务
	Elapsed   time.Duration
}

// Run 对 n 个任务以最多 concurrency 个并发执行 fn，每个任务完成后在占用的槽位内等待 delay
// fn 返回 true 表示成功
func Run(ctx context.Context, n, concurrency int, delay time.Duration, fn func(ctx context.Context, i int) bool) Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	start := time.Now()
	semaphore := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var succeeded, failed, skipped int32

dispatch:
	for i := 0; i < n; i++ {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			skipped = int32(n - i)
			break dispatch
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if fn(ctx, i) {
				atomic.AddInt32(&succeeded, 1)
			} else {
				atomic.AddInt32(&failed, 1)
			}

			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
				}
			}
		}(i)
	}
	wg.Wait()

	return Result{
		Total:     n,
		Succeeded: int(succeeded),
		Failed:    int(failed),
		Skipped:   int(skipped),
		Elapsed:   time.Since(start),
	}
}
