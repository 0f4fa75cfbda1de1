package config

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigUpdateCallback 配置更新回调
type ConfigUpdateCallback func(oldConfig, newConfig *Config, diff *ConfigDiff) error

// HotReloader 配置热更新器：只应用无需重启的配置段
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// UpdateConfig 应用新配置中可热更新的部分，返回完整差异
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	if len(diff.Changes) == 0 {
		return diff, nil
	}

	next, err := cloneConfig(hr.currentConfig)
	if err != nil {
		return nil, err
	}
	next.System = newConfig.System
	next.Streaming = newConfig.Streaming
	next.Risk = newConfig.Risk
	next.ErrorTracker = newConfig.ErrorTracker
	next.Feed.RetentionDays = newConfig.Feed.RetentionDays
	next.Feed.NotifyTypes = newConfig.Feed.NotifyTypes
	next.Notifications = newConfig.Notifications
	next.Web.APIKey = newConfig.Web.APIKey
	next.Web.Language = newConfig.Web.Language
	next.Metrics.CollectInterval = newConfig.Metrics.CollectInterval

	for _, callback := range hr.updateCallbacks {
		if err := callback(hr.currentConfig, next, diff); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %v", err)
		}
	}

	hr.currentConfig = next
	return diff, nil
}

// GetCurrentConfig 获取当前配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

// cloneConfig 通过 yaml 序列化深度复制
func cloneConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("复制配置失败: %v", err)
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("复制配置失败: %v", err)
	}
	return &out, nil
}
