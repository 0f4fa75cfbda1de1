package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"copymesh/logger"
)

// Config 锁配置；Enabled 为 false 时使用进程内锁
type Config struct {
	Enabled    bool
	Type       string // redis
	Prefix     string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig 锁和统计缓存共用的 Redis 连接参数
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient 创建 Redis 客户端
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// NewDistributedLock 按配置创建锁，redis 连接不通时直接失败
func NewDistributedLock(config *Config) (DistributedLock, error) {
	if !config.Enabled {
		return NewLocalLock(), nil
	}
	if config.Type != "redis" {
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}

	rl := NewRedisLock(NewRedisClient(config.Redis), RedisLockOptions{
		Prefix:     config.Prefix,
		DefaultTTL: config.DefaultTTL,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rl.Ping(ctx); err != nil {
		rl.Close()
		return nil, errors.Wrapf(err, "连接 redis %s", config.Redis.Addr)
	}
	logger.Info("🔒 已启用 Redis 分布式锁 (%s)", config.Redis.Addr)
	return rl, nil
}
