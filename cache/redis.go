package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"copymesh/logger"
	"copymesh/model"
)

// RedisStore 基于 Redis 的 TTL 缓存，多实例共享
type RedisStore[V any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 缓存
func NewRedisStore[V any](client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore[V] {
	return &RedisStore[V]{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("⚠️ 读取缓存 %s 失败: %v", key, err)
		}
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("⚠️ 缓存 %s 解码失败: %v", key, err)
		return zero, false
	}
	return v, true
}

func (r *RedisStore[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		logger.Warn("⚠️ 缓存 %s 编码失败: %v", key, err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		logger.Warn("⚠️ 写入缓存 %s 失败: %v", key, err)
	}
}

func (r *RedisStore[V]) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		logger.Warn("⚠️ 删除缓存 %s 失败: %v", key, err)
	}
}

// NewRedisStatsCache 创建 Redis 统计缓存
func NewRedisStatsCache(client redis.UniversalClient, prefix string, ttl time.Duration) *StatsCache {
	return &StatsCache{
		Accounts:  NewRedisStore[model.AccountStatsSnapshot](client, prefix+"stats:", ttl),
		Positions: NewRedisStore[model.PositionsSnapshot](client, prefix+"positions:", ttl),
	}
}
