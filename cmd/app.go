package cmd

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"copymesh/cache"
	"copymesh/config"
	"copymesh/copysync"
	"copymesh/database"
	"copymesh/event"
	"copymesh/gateway"
	"copymesh/i18n"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/safety"
	"copymesh/streaming"
	"copymesh/utils"
)

// loadConfig 加载配置并初始化日志、时区、i18n。
// 配置文件不存在时写出单机试运行配置。
func loadConfig(ro *rootOptions) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(ro.configPath); os.IsNotExist(err) {
		logger.Warn("⚠️ 配置文件 %s 不存在，使用单机试运行配置", ro.configPath)
		cfg = config.CreateMinimalConfig()
		if err := config.SaveConfig(cfg, ro.configPath); err != nil {
			logger.Warn("⚠️ 保存最小化配置失败: %v，将继续运行", err)
		} else {
			logger.Info("✅ 已创建最小化配置文件: %s", ro.configPath)
		}
	} else {
		cfg, err = config.LoadConfig(ro.configPath)
		if err != nil {
			return nil, err
		}
	}

	if ro.logLevel != "" {
		cfg.System.LogLevel = ro.logLevel
	}
	applySystemConfig(cfg)

	if err := i18n.Init(cfg.Web.Language); err != nil {
		logger.Warn("⚠️ 初始化 i18n 失败: %v，将使用默认语言", err)
	}
	return cfg, nil
}

// applySystemConfig 日志级别和时区，可热更新
func applySystemConfig(cfg *config.Config) {
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，保留当前时区", cfg.System.Timezone, err)
	}
	logger.SetLocation(utils.GlobalLocation)

	level := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(level)
	logger.Info("日志级别设置为: %s", level.String())
}

// core 组装好的核心组件
type core struct {
	store   database.DocumentStore
	locker  lock.DistributedLock
	gw      *gateway.Gateway
	closers []func() error
	svc     *copysync.Service
}

// buildCore 按配置创建存储、锁、缓存、上游网关并组装同步服务
func buildCore(cfg *config.Config, bus event.Publisher) (*core, error) {
	c := &core{}

	store, err := database.NewDocumentStore(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "初始化数据库失败")
	}
	c.store = store
	c.closers = append(c.closers, store.Close)
	logger.Info("✅ 数据库已初始化 (%s)", cfg.Database.Type)

	locker, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Type:       cfg.DistributedLock.Type,
		Prefix:     cfg.DistributedLock.Prefix,
		DefaultTTL: time.Duration(cfg.DistributedLock.TTL) * time.Second,
		Redis:      lockRedis(cfg.DistributedLock.Redis),
	})
	if err != nil {
		c.close()
		return nil, errors.Wrap(err, "初始化分布式锁失败")
	}
	c.locker = locker
	c.closers = append(c.closers, locker.Close)

	stats := cache.NewMemoryStatsCache(cfg.CacheTTL())
	if cfg.Cache.Type == "redis" {
		client := lock.NewRedisClient(lockRedis(cfg.Cache.Redis))
		c.closers = append(c.closers, client.Close)
		stats = cache.NewRedisStatsCache(client, cfg.Cache.Prefix, cfg.CacheTTL())
	}
	logger.Info("✅ 统计缓存已初始化 (%s, TTL %v)", cfg.Cache.Type, cfg.CacheTTL())

	modes, closers := buildModes(cfg)
	c.closers = append(c.closers, closers...)
	if len(modes) == 0 {
		logger.Warn("⚠️ 未启用任何上游访问方式，所有上游调用将返回错误")
	}
	c.gw = gateway.New(modes, gateway.WithTimeout(cfg.GatewayTimeout()))

	c.svc = copysync.New(store, c.gw, stats, locker, bus, serviceOptions(cfg))
	return c, nil
}

// buildModes REST 在前：轻量查询优先，终端方式配额有限，只在 REST 失败时使用。
// 持仓推送仍由 Gateway 选取第一个支持流的方式（终端）
func buildModes(cfg *config.Config) ([]gateway.Mode, []func() error) {
	modes := make([]gateway.Mode, 0, 2)
	var closers []func() error
	if cfg.Gateway.REST.Enabled {
		modes = append(modes, gateway.NewRESTMode(gateway.RESTConfig{
			BaseURL:   cfg.Gateway.REST.BaseURL,
			Token:     cfg.Gateway.REST.Token,
			RateLimit: cfg.Gateway.REST.RateLimit,
			Burst:     cfg.Gateway.REST.Burst,
		}))
	}
	if cfg.Gateway.Terminal.Enabled {
		t := gateway.NewTerminalMode(gateway.TerminalConfig{
			URL:          cfg.Gateway.Terminal.URL,
			Token:        cfg.Gateway.Terminal.Token,
			RateLimit:    cfg.Gateway.Terminal.RateLimit,
			Burst:        cfg.Gateway.Terminal.Burst,
			PingInterval: time.Duration(cfg.Gateway.Terminal.PingInterval) * time.Second,
			PongWait:     time.Duration(cfg.Gateway.Terminal.PongWait) * time.Second,
		})
		modes = append(modes, t)
		closers = append(closers, t.Close)
	}
	return modes, closers
}

func lockRedis(r config.RedisConfig) lock.RedisConfig {
	return lock.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, PoolSize: r.PoolSize}
}

func serviceOptions(cfg *config.Config) copysync.Options {
	return copysync.Options{
		CloseDebounce:  cfg.Streaming.CloseDebounce,
		ErrorThreshold: cfg.ErrorTracker.Threshold,
		Streaming:      streamingConfig(cfg),
		Risk:           governorConfig(cfg),
		Batch:          gateway.BatchOptions{Size: cfg.Gateway.Batch.Size, Delay: cfg.BatchDelay()},
	}
}

func streamingConfig(cfg *config.Config) streaming.Config {
	return streaming.Config{
		HeartbeatTimeout:     time.Duration(cfg.Streaming.HeartbeatTimeout) * time.Second,
		ReconnectMinDelay:    time.Duration(cfg.Streaming.ReconnectMinDelay) * time.Second,
		ReconnectMaxDelay:    time.Duration(cfg.Streaming.ReconnectMaxDelay) * time.Second,
		DegradedPollInterval: time.Duration(cfg.Streaming.DegradedPollInterval) * time.Second,
	}
}

func governorConfig(cfg *config.Config) safety.GovernorConfig {
	return safety.GovernorConfig{
		DefaultMaxDrawdown:    cfg.Risk.DefaultMaxDrawdown,
		DefaultResumeDrawdown: cfg.Risk.DefaultResumeDrawdown,
		Interval:              time.Duration(cfg.Risk.Interval) * time.Second,
		BatchSize:             cfg.Gateway.Batch.Size,
		BatchDelay:            cfg.BatchDelay(),
		LockTTL:               time.Duration(cfg.Risk.LockTTL) * time.Second,
	}
}

// close 逆序关闭
func (c *core) close() {
	if c.svc != nil {
		c.svc.Shutdown()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("⚠️ 关闭组件失败: %v", err)
		}
	}
}
