package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 单个配置项变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "risk.default_max_drawdown"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// 这些配置段在进程启动时绑定到连接或监听端口，修改后需要重启
var restartPaths = []string{
	"database",
	"distributed_lock",
	"cache",
	"gateway",
	"feed.path",
	"web.host",
	"web.port",
	"metrics.enabled",
}

// DiffConfig 对比两个配置
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), "")
	for _, c := range diff.Changes {
		if c.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// Has 是否存在指定路径（或其子路径）的变更
func (d *ConfigDiff) Has(path string) bool {
	for _, c := range d.Changes {
		if c.Path == path || strings.HasPrefix(c.Path, path+".") || strings.HasPrefix(c.Path, path+"[") {
			return true
		}
	}
	return false
}

// RestartPaths 需要重启的变更路径
func (d *ConfigDiff) RestartPaths() []string {
	paths := make([]string, 0)
	for _, c := range d.Changes {
		if c.RequiresRestart {
			paths = append(paths, c.Path)
		}
	}
	return paths
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			name := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			d.compare(oldVal.Field(i), newVal.Field(i), joinPath(path, name))
		}
	case reflect.Slice:
		if oldVal.Len() != newVal.Len() {
			kind := ChangeTypeModified
			if oldVal.Len() == 0 {
				kind = ChangeTypeAdded
			} else if newVal.Len() == 0 {
				kind = ChangeTypeDeleted
			}
			d.add(path, kind, oldVal.Interface(), newVal.Interface())
			return
		}
		for i := 0; i < oldVal.Len(); i++ {
			d.compare(oldVal.Index(i), newVal.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) add(path string, t ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            t,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func requiresRestart(path string) bool {
	for _, p := range restartPaths {
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}
