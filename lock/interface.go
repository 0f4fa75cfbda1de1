package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"copymesh/logger"
)

// ErrNotHeld 锁不属于当前实例或已过期
var ErrNotHeld = errors.New("lock not held")

// DistributedLock 按 key 互斥，ttl 到期自动释放
type DistributedLock interface {
	// Lock 阻塞直到获取成功或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error
	// TryLock 不等待，已被占用时返回 false
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	// Extend 重置剩余时间为 ttl
	Extend(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// WithLock 持锁执行 fn。fn 运行期间每隔 ttl/3 续期一次，
// 续期和释放都不受调用方 ctx 取消影响
func WithLock(ctx context.Context, l DistributedLock, key string, ttl time.Duration, fn func() error) error {
	if err := l.Lock(ctx, key, ttl); err != nil {
		return errors.Wrapf(err, "acquire %s", key)
	}
	detached := context.WithoutCancel(ctx)

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		keepAlive(detached, l, key, ttl, stop)
	}()

	defer func() {
		close(stop)
		<-renewed
		if err := l.Unlock(detached, key); err != nil {
			logger.Warn("⚠️ 释放锁 %s 失败: %v", key, err)
		}
	}()
	return fn()
}

func keepAlive(ctx context.Context, l DistributedLock, key string, ttl time.Duration, stop <-chan struct{}) {
	every := ttl / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.Extend(ctx, key, ttl); err != nil {
				logger.Warn("⚠️ 锁 %s 续期失败: %v", key, err)
				return
			}
		}
	}
}
