package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"copymesh/logger"
)

const (
	// 编辑器保存通常触发多次写事件，合并后再加载
	reloadDelay  = 200 * time.Millisecond
	pollInterval = 2 * time.Second
)

// ConfigWatcher 监控配置文件并交给 HotReloader 应用
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	reloader *HotReloader

	mu       sync.Mutex
	running  bool
	lastData []byte
	lastMod  time.Time

	restartCh chan *ConfigDiff
	errCh     chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, reloader *HotReloader) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %v", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}

	cw := &ConfigWatcher{
		path:      abs,
		watcher:   w,
		reloader:  reloader,
		restartCh: make(chan *ConfigDiff, 1),
		errCh:     make(chan error, 10),
	}
	if data, err := os.ReadFile(abs); err == nil {
		cw.lastData = data
	}
	if info, err := os.Stat(abs); err == nil {
		cw.lastMod = info.ModTime()
	}
	return cw, nil
}

// Start 监控配置文件所在目录，支持先写临时文件再重命名的保存方式
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.running {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("添加监控目录失败: %v", err)
	}
	cw.running = true
	go cw.loop(ctx)
	logger.Info("👀 开始监控配置文件: %s", cw.path)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.running {
		return nil
	}
	cw.running = false
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) loop(ctx context.Context) {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.report(err)
		case <-pending:
			pending = nil
			cw.reload()
		case <-poll.C:
			// fsnotify 在部分网络文件系统上收不到事件
			if info, err := os.Stat(cw.path); err == nil && info.ModTime().After(cw.modTime()) {
				cw.reload()
			}
		}
	}
}

func (cw *ConfigWatcher) modTime() time.Time {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.lastMod
}

// reload 内容未变化时跳过
func (cw *ConfigWatcher) reload() {
	data, err := os.ReadFile(cw.path)
	if err != nil {
		cw.report(fmt.Errorf("读取配置文件失败: %v", err))
		return
	}
	info, statErr := os.Stat(cw.path)

	cw.mu.Lock()
	if statErr == nil {
		cw.lastMod = info.ModTime()
	}
	unchanged := bytes.Equal(data, cw.lastData)
	cw.mu.Unlock()
	if unchanged {
		return
	}

	newCfg, err := LoadConfigFromBytes(data)
	if err != nil {
		cw.report(fmt.Errorf("重新加载配置失败: %v", err))
		return
	}
	diff, err := cw.reloader.UpdateConfig(newCfg)
	if err != nil {
		cw.report(fmt.Errorf("配置热更新失败: %v", err))
		return
	}

	cw.mu.Lock()
	cw.lastData = data
	cw.mu.Unlock()

	if len(diff.Changes) == 0 {
		return
	}
	logger.Info("🔄 配置已重新加载，%d 项变更", len(diff.Changes))
	if diff.RequiresRestart {
		select {
		case cw.restartCh <- diff:
		default:
		}
	}
}

func (cw *ConfigWatcher) report(err error) {
	select {
	case cw.errCh <- err:
	default:
		logger.Warn("⚠️ 配置监控错误队列已满: %v", err)
	}
}

// GetRestartChan 包含需要重启才能生效的变更
func (cw *ConfigWatcher) GetRestartChan() <-chan *ConfigDiff {
	return cw.restartCh
}

// GetErrorChan 加载或热更新失败
func (cw *ConfigWatcher) GetErrorChan() <-chan error {
	return cw.errCh
}
