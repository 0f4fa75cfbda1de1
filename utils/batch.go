package utils

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunBatched 分批并发处理 items：每批最多 size 个并发，批次之间等待 delay
// fn 不返回错误，单个元素的失败由调用方记录在结果里，不影响同批其他元素
func RunBatched(ctx context.Context, items []string, size int, delay time.Duration, fn func(ctx context.Context, index int, item string)) error {
	if size <= 0 {
		size = 1
	}
	for start := 0; start < len(items); start += size {
		if start > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + size
		if end > len(items) {
			end = len(items)
		}

		var g errgroup.Group
		g.SetLimit(size)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				fn(ctx, i, items[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}
