package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// 比对 token 后再删除或续期，避免误操作其他实例持有的锁
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call("del", KEYS[1])`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then return 0 end
return redis.call("pexpire", KEYS[1], ARGV[2])`)
)

// RedisLockOptions Redis 锁参数
type RedisLockOptions struct {
	Prefix     string
	DefaultTTL time.Duration // 调用方传入 ttl<=0 时使用
}

// RedisLock 基于 SET NX PX 的分布式锁
type RedisLock struct {
	client redis.UniversalClient
	opts   RedisLockOptions

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLock 创建 Redis 锁
func NewRedisLock(client redis.UniversalClient, opts RedisLockOptions) *RedisLock {
	if opts.Prefix == "" {
		opts.Prefix = "copymesh:lock:"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Second
	}
	return &RedisLock{client: client, opts: opts, tokens: make(map[string]string)}
}

func (r *RedisLock) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return r.opts.DefaultTTL
	}
	return ttl
}

func (r *RedisLock) token(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[key]
	return t, ok
}

// Lock 退避重试直到获取成功
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	b := &backoff.Backoff{Min: 20 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2, Jitter: true}
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.opts.Prefix+key, token, r.ttl(ttl)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNotHeld, key)
	}
	return r.compareAndRun(ctx, releaseScript, key, token)
}

func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	token, ok := r.token(key)
	if !ok {
		return errors.Wrap(ErrNotHeld, key)
	}
	return r.compareAndRun(ctx, renewScript, key, token, r.ttl(ttl).Milliseconds())
}

func (r *RedisLock) compareAndRun(ctx context.Context, script *redis.Script, key, token string, extra ...interface{}) error {
	args := append([]interface{}{token}, extra...)
	n, err := script.Run(ctx, r.client, []string{r.opts.Prefix + key}, args...).Int64()
	if err != nil {
		return errors.Wrap(err, "redis eval")
	}
	if n == 0 {
		return errors.Wrap(ErrNotHeld, key)
	}
	return nil
}

func (r *RedisLock) Close() error {
	return r.client.Close()
}

// Ping 检查连接
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
