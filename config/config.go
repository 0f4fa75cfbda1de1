package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig Redis 连接配置（分布式锁与统计缓存共用）
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// TelegramConfig Telegram 通知配置
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIBase  string `yaml:"api_base"` // 默认 https://api.telegram.org
}

// WebhookConfig Webhook 通知配置
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // 超时时间（秒，默认3）
	Secret  string `yaml:"secret"`  // 非空时对请求体签名
}

// StreamTarget 启动时自动开启的流会话
type StreamTarget struct {
	AccountID  string `yaml:"account_id"`
	StrategyID string `yaml:"strategy_id"`
	Category   string `yaml:"category"`
}

// Config 跟单同步服务配置
type Config struct {
	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"`
	} `yaml:"system"`

	// 信号账本、跟单账户、错误记录
	Database struct {
		Type            string `yaml:"type"` // memory, sqlite, postgres, mysql
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
		LogLevel        string `yaml:"log_level"`         // silent, error, warn, info
	} `yaml:"database"`

	DistributedLock struct {
		Enabled bool        `yaml:"enabled"` // 关闭时使用进程内锁
		Type    string      `yaml:"type"`    // redis
		Prefix  string      `yaml:"prefix"`
		TTL     int         `yaml:"ttl"` // 秒
		Redis   RedisConfig `yaml:"redis"`
	} `yaml:"distributed_lock"`

	Cache struct {
		Type   string      `yaml:"type"` // memory, redis
		TTL    int         `yaml:"ttl"`  // 秒，默认30
		Prefix string      `yaml:"prefix"`
		Redis  RedisConfig `yaml:"redis"`
	} `yaml:"cache"`

	Gateway struct {
		Timeout int `yaml:"timeout"` // 单次调用超时（秒，默认10）

		REST struct {
			Enabled   bool    `yaml:"enabled"`
			BaseURL   string  `yaml:"base_url"`
			Token     string  `yaml:"token"`
			RateLimit float64 `yaml:"rate_limit"` // 每秒请求数
			Burst     int     `yaml:"burst"`
		} `yaml:"rest"`

		Terminal struct {
			Enabled      bool    `yaml:"enabled"`
			URL          string  `yaml:"url"`
			Token        string  `yaml:"token"`
			RateLimit    float64 `yaml:"rate_limit"`
			Burst        int     `yaml:"burst"`
			PingInterval int     `yaml:"ping_interval"` // 秒
			PongWait     int     `yaml:"pong_wait"`     // 秒
		} `yaml:"terminal"`

		Batch struct {
			Size    int `yaml:"size"`     // 每批并发数，默认10
			DelayMs int `yaml:"delay_ms"` // 批次间隔（毫秒），默认200
		} `yaml:"batch"`
	} `yaml:"gateway"`

	Streaming struct {
		HeartbeatTimeout     int            `yaml:"heartbeat_timeout"`      // 秒，默认60
		ReconnectMinDelay    int            `yaml:"reconnect_min_delay"`    // 秒，默认1
		ReconnectMaxDelay    int            `yaml:"reconnect_max_delay"`    // 秒，默认60
		DegradedPollInterval int            `yaml:"degraded_poll_interval"` // 秒，默认30
		CloseDebounce        int            `yaml:"close_debounce"`         // 连续缺席快照数，默认2
		AutoStart            []StreamTarget `yaml:"auto_start"`
	} `yaml:"streaming"`

	Risk struct {
		AutoEvaluate          bool    `yaml:"auto_evaluate"` // 周期性自动评估
		Interval              int     `yaml:"interval"`      // 秒，默认300
		DefaultMaxDrawdown    float64 `yaml:"default_max_drawdown"`
		DefaultResumeDrawdown float64 `yaml:"default_resume_drawdown"`
		LockTTL               int     `yaml:"lock_ttl"` // 秒，默认30
	} `yaml:"risk"`

	ErrorTracker struct {
		Threshold int `yaml:"threshold"` // 连续失败次数，默认5
	} `yaml:"error_tracker"`

	// 流日志
	Feed struct {
		Enabled       bool     `yaml:"enabled"`
		Path          string   `yaml:"path"`
		BufferSize    int      `yaml:"buffer_size"`
		RetentionDays int      `yaml:"retention_days"`
		NotifyTypes   []string `yaml:"notify_types"` // 除 critical 外需要通知的类型
	} `yaml:"feed"`

	Notifications struct {
		Enabled  bool           `yaml:"enabled"`
		Telegram TelegramConfig `yaml:"telegram"`
		Webhook  WebhookConfig  `yaml:"webhook"`
	} `yaml:"notifications"`

	Web struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		APIKey   string `yaml:"api_key"`
		Language string `yaml:"language"` // 默认 zh-CN
	} `yaml:"web"`

	Metrics struct {
		Enabled         bool `yaml:"enabled"`
		CollectInterval int  `yaml:"collect_interval"` // 秒
	} `yaml:"metrics"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %v", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %v", err)
	}
	return nil
}

// CreateMinimalConfig 单机试运行配置：内存存储、进程内锁、无上游
func CreateMinimalConfig() *Config {
	cfg := &Config{}
	cfg.Database.Type = "memory"
	cfg.Web.Enabled = true
	cfg.Metrics.Enabled = true
	_ = cfg.Validate()
	return cfg
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}

	switch c.Database.Type {
	case "":
		c.Database.Type = "sqlite"
	case "memory", "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		switch c.Database.Type {
		case "sqlite":
			c.Database.DSN = "./data/copymesh.db"
		case "memory":
		default:
			return fmt.Errorf("数据库 %s 必须配置 dsn", c.Database.Type)
		}
	}

	if c.DistributedLock.Enabled {
		if c.DistributedLock.Type == "" {
			c.DistributedLock.Type = "redis"
		}
		if c.DistributedLock.Type != "redis" {
			return fmt.Errorf("不支持的分布式锁类型: %s", c.DistributedLock.Type)
		}
		if c.DistributedLock.Redis.Addr == "" {
			return fmt.Errorf("启用分布式锁时必须配置 distributed_lock.redis.addr")
		}
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "copymesh:lock:"
	}
	if c.DistributedLock.TTL <= 0 {
		c.DistributedLock.TTL = 30
	}

	switch c.Cache.Type {
	case "":
		c.Cache.Type = "memory"
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			c.Cache.Redis = c.DistributedLock.Redis
		}
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis 缓存必须配置 cache.redis.addr")
		}
	default:
		return fmt.Errorf("不支持的缓存类型: %s", c.Cache.Type)
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 30
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "copymesh:stats:"
	}

	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 10
	}
	if c.Gateway.REST.Enabled && c.Gateway.REST.BaseURL == "" {
		return fmt.Errorf("启用 REST 访问方式时必须配置 gateway.rest.base_url")
	}
	if c.Gateway.Terminal.Enabled && c.Gateway.Terminal.URL == "" {
		return fmt.Errorf("启用终端访问方式时必须配置 gateway.terminal.url")
	}
	if c.Gateway.Terminal.PingInterval <= 0 {
		c.Gateway.Terminal.PingInterval = 20
	}
	if c.Gateway.Terminal.PongWait <= 0 {
		c.Gateway.Terminal.PongWait = 60
	}
	if c.Gateway.Batch.Size <= 0 {
		c.Gateway.Batch.Size = 10
	}
	if c.Gateway.Batch.DelayMs < 0 {
		return fmt.Errorf("gateway.batch.delay_ms 不能为负数")
	}
	if c.Gateway.Batch.DelayMs == 0 {
		c.Gateway.Batch.DelayMs = 200
	}

	if c.Streaming.HeartbeatTimeout <= 0 {
		c.Streaming.HeartbeatTimeout = 60
	}
	if c.Streaming.ReconnectMinDelay <= 0 {
		c.Streaming.ReconnectMinDelay = 1
	}
	if c.Streaming.ReconnectMaxDelay <= 0 {
		c.Streaming.ReconnectMaxDelay = 60
	}
	if c.Streaming.ReconnectMaxDelay < c.Streaming.ReconnectMinDelay {
		return fmt.Errorf("streaming.reconnect_max_delay 不能小于 reconnect_min_delay")
	}
	if c.Streaming.DegradedPollInterval <= 0 {
		c.Streaming.DegradedPollInterval = 30
	}
	if c.Streaming.CloseDebounce <= 0 {
		c.Streaming.CloseDebounce = 2
	}
	for i, t := range c.Streaming.AutoStart {
		if t.AccountID == "" || t.StrategyID == "" {
			return fmt.Errorf("streaming.auto_start[%d] 必须配置 account_id 和 strategy_id", i)
		}
		if t.Category == "" {
			c.Streaming.AutoStart[i].Category = "forex"
		}
	}

	if c.Risk.Interval <= 0 {
		c.Risk.Interval = 300
	}
	if c.Risk.DefaultMaxDrawdown <= 0 {
		c.Risk.DefaultMaxDrawdown = 20
	}
	if c.Risk.DefaultResumeDrawdown <= 0 {
		c.Risk.DefaultResumeDrawdown = 15
	}
	if c.Risk.DefaultResumeDrawdown >= c.Risk.DefaultMaxDrawdown {
		return fmt.Errorf("risk.default_resume_drawdown (%.2f) 必须小于 default_max_drawdown (%.2f)",
			c.Risk.DefaultResumeDrawdown, c.Risk.DefaultMaxDrawdown)
	}
	if c.Risk.LockTTL <= 0 {
		c.Risk.LockTTL = 30
	}

	if c.ErrorTracker.Threshold <= 0 {
		c.ErrorTracker.Threshold = 5
	}

	if c.Feed.Path == "" {
		c.Feed.Path = "./data/streaming_logs.db"
	}
	if c.Feed.BufferSize <= 0 {
		c.Feed.BufferSize = 1000
	}
	if c.Feed.RetentionDays <= 0 {
		c.Feed.RetentionDays = 30
	}

	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}
	if c.Notifications.Telegram.APIBase == "" {
		c.Notifications.Telegram.APIBase = "https://api.telegram.org"
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 28888
	}
	if c.Web.Port > 65535 {
		return fmt.Errorf("web.port 超出范围: %d", c.Web.Port)
	}
	if c.Web.Language == "" {
		c.Web.Language = "zh-CN"
	}

	if c.Metrics.CollectInterval <= 0 {
		c.Metrics.CollectInterval = 60
	}

	return nil
}

// GatewayTimeout 单次调用超时
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.Timeout) * time.Second
}

// CacheTTL 统计缓存有效期
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTL) * time.Second
}

// BatchDelay 批次间隔
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.Gateway.Batch.DelayMs) * time.Millisecond
}
