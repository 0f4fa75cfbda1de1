package utils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunBatchedBoundsConcurrency(t *testing.T) {
	items := make([]string, 25)
	for i := range items {
		items[i] = fmt.Sprintf("acc-%d", i)
	}

	var inflight, peak int32
	var mu sync.Mutex
	seen := make(map[string]int)

	err := RunBatched(context.Background(), items, 10, time.Millisecond, func(ctx context.Context, index int, item string) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)

		mu.Lock()
		seen[item] = index
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("批处理失败: %v", err)
	}
	if peak > 10 {
		t.Errorf("并发上限应为 10，实际峰值 %d", peak)
	}
	if len(seen) != len(items) {
		t.Errorf("应处理 %d 个元素，实际 %d", len(items), len(seen))
	}
	for i, item := range items {
		if seen[item] != i {
			t.Errorf("元素 %s 的索引应为 %d，得到 %d", item, i, seen[item])
		}
	}
}

func TestRunBatchedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	items := []string{"a", "b", "c", "d"}

	err := RunBatched(ctx, items, 2, 50*time.Millisecond, func(ctx context.Context, index int, item string) {
		atomic.AddInt32(&calls, 1)
		cancel()
	})
	if err == nil {
		t.Error("取消后应返回错误")
	}
	if calls != 2 {
		t.Errorf("取消后不应再处理下一批，实际调用 %d 次", calls)
	}
}
