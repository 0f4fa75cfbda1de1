package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const watcherBase = `
database:
  type: memory
gateway:
  rest:
    enabled: true
    base_url: https://mt-client-api.example.com
    token: token
web:
  port: 28888
`

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(watcherBase), 0644); err != nil {
		t.Fatal(err)
	}
	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	reloader := NewHotReloader(initial)
	var calls atomic.Int32
	reloader.RegisterCallback(func(old, new *Config, diff *ConfigDiff) error {
		calls.Add(1)
		return nil
	})

	w, err := NewConfigWatcher(path, reloader)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(ctx); err == nil {
		t.Error("重复启动应该报错")
	}

	updated := watcherBase + "error_tracker:\n  threshold: 9\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reloader.GetCurrentConfig().ErrorTracker.Threshold != 9 {
		if time.Now().After(deadline) {
			t.Fatalf("配置未被重新加载，当前阈值 %d", reloader.GetCurrentConfig().ErrorTracker.Threshold)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Error("热更新回调未被触发")
	}
}

func TestConfigWatcherReportsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(watcherBase), 0644); err != nil {
		t.Fatal(err)
	}
	initial, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewConfigWatcher(path, NewHotReloader(initial))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("risk: ["), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-w.GetErrorChan():
		if err == nil {
			t.Error("错误不应为空")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("非法配置未上报错误")
	}
}

func TestRestartPaths(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()
	newCfg.Web.Port = 9999
	newCfg.ErrorTracker.Threshold = 8
	paths := DiffConfig(oldCfg, newCfg).RestartPaths()
	if len(paths) != 1 || paths[0] != "web.port" {
		t.Errorf("期望仅 web.port 需要重启, 得到 %v", paths)
	}
}
