package utils

import (
	"time"
)

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location
)

func init() {
	GlobalLocation = time.UTC
}

// SetLocation 设置全局时区，加载失败时保留原有时区
func SetLocation(name string) error {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if name == "UTC+8" || name == "Asia/Shanghai" {
			GlobalLocation = time.FixedZone("UTC+8", 8*60*60)
			return nil
		}
		return err
	}
	GlobalLocation = loc
	return nil
}
