package config

import (
	"os"
	"path/filepath"
	"testing"
)

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.Database.Type = "memory"
	cfg.Gateway.REST.Enabled = true
	cfg.Gateway.REST.BaseURL = "https://mt-client-api.example.com"
	cfg.Gateway.REST.Token = "token"
	cfg.Web.Port = 28888
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("空配置应使用默认值: %v", err)
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.DSN == "" {
		t.Errorf("默认数据库应为 sqlite, 得到 %s %q", cfg.Database.Type, cfg.Database.DSN)
	}
	if cfg.Cache.TTL != 30 {
		t.Errorf("期望默认缓存 TTL 为 30, 得到 %d", cfg.Cache.TTL)
	}
	if cfg.Gateway.Timeout != 10 || cfg.Gateway.Batch.Size != 10 || cfg.Gateway.Batch.DelayMs != 200 {
		t.Errorf("网关默认值不正确: %+v", cfg.Gateway)
	}
	if cfg.ErrorTracker.Threshold != 5 {
		t.Errorf("期望默认错误阈值为 5, 得到 %d", cfg.ErrorTracker.Threshold)
	}
	if cfg.Streaming.CloseDebounce != 2 {
		t.Errorf("期望默认平仓去抖为 2, 得到 %d", cfg.Streaming.CloseDebounce)
	}
	if cfg.Risk.DefaultMaxDrawdown != 20 || cfg.Risk.DefaultResumeDrawdown != 15 {
		t.Errorf("风控默认阈值不正确: %.2f/%.2f", cfg.Risk.DefaultMaxDrawdown, cfg.Risk.DefaultResumeDrawdown)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"恢复阈值不小于暂停阈值", func(c *Config) {
			c.Risk.DefaultMaxDrawdown = 10
			c.Risk.DefaultResumeDrawdown = 10
		}},
		{"未知数据库", func(c *Config) { c.Database.Type = "oracle" }},
		{"postgres 缺少 dsn", func(c *Config) { c.Database.Type = "postgres"; c.Database.DSN = "" }},
		{"分布式锁缺少地址", func(c *Config) { c.DistributedLock.Enabled = true }},
		{"redis 缓存缺少地址", func(c *Config) { c.Cache.Type = "redis" }},
		{"REST 缺少地址", func(c *Config) { c.Gateway.REST.BaseURL = "" }},
		{"自动启动缺少策略", func(c *Config) {
			c.Streaming.AutoStart = []StreamTarget{{AccountID: "acc1"}}
		}},
		{"端口越界", func(c *Config) { c.Web.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createValidConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("应该返回验证错误")
			}
		})
	}
}

func TestCacheRedisInheritsLockRedis(t *testing.T) {
	cfg := createValidConfig()
	cfg.DistributedLock.Enabled = true
	cfg.DistributedLock.Redis.Addr = "localhost:6379"
	cfg.Cache.Type = "redis"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Redis.Addr != "localhost:6379" {
		t.Errorf("缓存应复用锁的 Redis 配置, 得到 %q", cfg.Cache.Redis.Addr)
	}
}

func TestLoadAndSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
database:
  type: memory
streaming:
  auto_start:
    - account_id: master-1
      strategy_id: strat-1
risk:
  default_max_drawdown: 25
  default_resume_drawdown: 10
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Streaming.AutoStart[0].Category != "forex" {
		t.Errorf("期望默认品类 forex, 得到 %s", cfg.Streaming.AutoStart[0].Category)
	}
	if cfg.Risk.DefaultMaxDrawdown != 25 {
		t.Errorf("期望 25, 得到 %.2f", cfg.Risk.DefaultMaxDrawdown)
	}

	cfg.ErrorTracker.Threshold = 7
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("保存配置失败: %v", err)
	}
	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.ErrorTracker.Threshold != 7 {
		t.Errorf("保存后阈值应为 7, 得到 %d", reloaded.ErrorTracker.Threshold)
	}

	if _, err := LoadConfigFromBytes([]byte("risk: [")); err == nil {
		t.Error("非法 yaml 应该报错")
	}
}

func TestConfigDiff(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()

	diff := DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 0 {
		t.Errorf("预期无变更，得到 %d 个", len(diff.Changes))
	}

	newCfg.ErrorTracker.Threshold = 8
	diff = DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "error_tracker.threshold" {
		t.Fatalf("预期 error_tracker.threshold 变更，得到 %+v", diff.Changes)
	}
	if diff.RequiresRestart {
		t.Error("修改错误阈值不应需要重启")
	}

	newCfg.Web.Port = 9999
	newCfg.Streaming.AutoStart = []StreamTarget{{AccountID: "a", StrategyID: "s", Category: "forex"}}
	diff = DiffConfig(oldCfg, newCfg)
	if !diff.RequiresRestart {
		t.Error("修改 web.port 应该标记为需要重启")
	}
	if !diff.Has("streaming.auto_start") {
		t.Error("应检测到 auto_start 变更")
	}
}

func TestHotReloader(t *testing.T) {
	reloader := NewHotReloader(createValidConfig())

	var got *ConfigDiff
	reloader.RegisterCallback(func(old, new *Config, diff *ConfigDiff) error {
		got = diff
		return nil
	})

	newCfg := createValidConfig()
	newCfg.System.LogLevel = "DEBUG"
	newCfg.Web.Port = 9999

	diff, err := reloader.UpdateConfig(newCfg)
	if err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}
	if got == nil {
		t.Fatal("热更新回调未被触发")
	}
	if !diff.RequiresRestart {
		t.Error("端口变更应提示重启")
	}

	current := reloader.GetCurrentConfig()
	if current.System.LogLevel != "DEBUG" {
		t.Errorf("日志级别未热更新: %s", current.System.LogLevel)
	}
	if current.Web.Port != 28888 {
		t.Errorf("端口不应热更新: %d", current.Web.Port)
	}
}
