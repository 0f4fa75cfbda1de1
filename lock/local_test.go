package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockSerializesSameKey(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, l, "risk:acc1", time.Minute, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("同一 key 同时持有者数量应为 1，实际 %d", maxInside)
	}
}

func TestLocalLockTryLock(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.TryLock(ctx, "a", time.Minute)
	assert.False(t, ok, "已被持有的锁不应再次获取")

	ok, _ = l.TryLock(ctx, "b", time.Minute)
	assert.True(t, ok, "不同 key 互不影响")

	require.NoError(t, l.Unlock(ctx, "a"))
	assert.ErrorIs(t, l.Unlock(ctx, "a"), ErrNotHeld, "重复释放应该返回错误")
}

func TestLocalLockExpires(t *testing.T) {
	l := NewLocalLock()
	now := time.Now()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.TryLock(ctx, "a", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = l.TryLock(ctx, "a", time.Second)
	assert.True(t, ok, "过期的锁应该可以重新获取")
	assert.NoError(t, l.Extend(ctx, "a", time.Second))
}

func TestLocalLockRespectsContext(t *testing.T) {
	l := NewLocalLock()
	ok, _ := l.TryLock(context.Background(), "a", time.Minute)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Lock(ctx, "a", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewDistributedLockDisabled(t *testing.T) {
	l, err := NewDistributedLock(&Config{Enabled: false})
	require.NoError(t, err)
	_, ok := l.(*LocalLock)
	assert.True(t, ok, "未启用时应返回进程内锁")

	_, err = NewDistributedLock(&Config{Enabled: true, Type: "etcd"})
	assert.Error(t, err)
}

func TestWithLockKeepsLockAlive(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	checked := make(chan bool, 1)
	err := WithLock(ctx, l, "sync:acc1", 90*time.Millisecond, func() error {
		time.Sleep(150 * time.Millisecond)
		ok, _ := l.TryLock(ctx, "sync:acc1", time.Minute)
		checked <- ok
		return nil
	})
	require.NoError(t, err)
	assert.False(t, <-checked, "执行期间锁应被续期")

	ok, _ := l.TryLock(ctx, "sync:acc1", time.Minute)
	assert.True(t, ok, "返回后锁应已释放")
}

func TestRedisLockDefaults(t *testing.T) {
	r := NewRedisLock(NewRedisClient(RedisConfig{Addr: "127.0.0.1:0"}), RedisLockOptions{})
	defer r.Close()
	assert.Equal(t, "copymesh:lock:", r.opts.Prefix)
	assert.Equal(t, 30*time.Second, r.ttl(0))
	assert.Equal(t, time.Second, r.ttl(time.Second))
	assert.ErrorIs(t, r.Unlock(context.Background(), "missing"), ErrNotHeld)
}
