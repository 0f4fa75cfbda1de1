package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config 数据库配置
type Config struct {
	Type            string // memory, sqlite, postgres, mysql
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
}

var dialects = map[string]func(dsn string) gorm.Dialector{
	"sqlite":   sqlite.Open,
	"postgres": postgres.Open,
	"mysql":    mysql.Open,
}

func (c *Config) driver() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	if t == "postgresql" {
		return "postgres"
	}
	return t
}

func (c *Config) gormLogLevel() logger.LogLevel {
	switch strings.ToLower(c.LogLevel) {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

// applyPool sqlite 只允许单写者，未配置时限制为一个连接
func (c *Config) applyPool(db *sql.DB) {
	maxOpen := c.MaxOpenConns
	if maxOpen == 0 && c.driver() == "sqlite" {
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
}

// NewDocumentStore 按类型创建文档存储，memory 不落盘
func NewDocumentStore(config *Config) (DocumentStore, error) {
	if config.driver() == "memory" {
		return NewMemoryStore(), nil
	}
	if _, ok := dialects[config.driver()]; !ok {
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
	return NewGormStore(config)
}
