package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// LocalLock 进程内按 key 互斥的锁（单实例模式）
// ttl 到期后锁自动失效，避免持有者异常退出导致死锁
type LocalLock struct {
	mu    sync.Mutex
	held  map[string]*localEntry
	clock func() time.Time
}

type localEntry struct {
	expires time.Time
	release chan struct{}
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{
		held:  make(map[string]*localEntry),
		clock: time.Now,
	}
}

// acquire 尝试获取，失败时返回当前持有者的释放通道
func (l *LocalLock) acquire(key string, ttl time.Duration) (bool, <-chan struct{}, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok {
		if now.Before(e.expires) {
			return false, e.release, e.expires.Sub(now)
		}
		close(e.release)
		delete(l.held, key)
	}
	l.held[key] = &localEntry{expires: now.Add(ttl), release: make(chan struct{})}
	return true, nil, 0
}

func (l *LocalLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, release, remaining := l.acquire(key, ttl)
		if ok {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-release:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, _, _ := l.acquire(key, ttl)
	return ok, nil
}

func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	if !ok {
		return errors.Wrap(ErrNotHeld, key)
	}
	close(e.release)
	delete(l.held, key)
	return nil
}

func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	if !ok || !l.clock().Before(e.expires) {
		return errors.Wrap(ErrNotHeld, key)
	}
	e.expires = l.clock().Add(ttl)
	return nil
}

func (l *LocalLock) Close() error {
	return nil
}
