package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息
	WARN                  // 警告信息
	ERROR                 // 错误信息
	FATAL                 // 致命错误（程序无法继续）
)

var (
	globalLevel = INFO
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu          sync.RWMutex

	sugar *zap.SugaredLogger

	// 应用日志文件（仅 DEBUG 级别启用）
	appFile *dailyFile
	// Web 日志文件
	webFile *dailyFile
	logDir  = "logs"

	globalLocation = time.Local
	locationMu     sync.RWMutex
)

func init() {
	rebuild()
}

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别，DEBUG 级别同时写入按日期轮转的文件
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
	atomicLevel.SetLevel(level.zapLevel())

	if level == DEBUG {
		if appFile == nil {
			appFile = newDailyFile("app-copymesh")
		}
	} else if appFile != nil {
		appFile.Close()
		appFile = nil
	}
	rebuildLocked()
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时间使用的时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locationMu.Lock()
	globalLocation = loc
	locationMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	rebuildLocked()
}

func location() *time.Location {
	locationMu.RLock()
	defer locationMu.RUnlock()
	return globalLocation
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(location()).Format("2006/01/02 15:04:05"))
	}
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + l.CapitalString() + "]")
	}
	cfg.CallerKey = ""
	return cfg
}

func rebuild(extra ...zapcore.Core) {
	mu.Lock()
	defer mu.Unlock()
	rebuildLocked(extra...)
}

func rebuildLocked(extra ...zapcore.Core) {
	enc := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atomicLevel)}
	if appFile != nil {
		cores = append(cores, zapcore.NewCore(enc, appFile, atomicLevel))
	}
	cores = append(cores, extra...)
	sugar = zap.New(zapcore.NewTee(cores...)).Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// InitWebLogger 初始化 Web 日志文件
func InitWebLogger() error {
	mu.Lock()
	defer mu.Unlock()
	if webFile != nil {
		return nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}
	webFile = newDailyFile("web-gin")
	return nil
}

// WriteWebLog 写入 Web 日志（供 Gin 中间件使用），未初始化时输出到调试日志
func WriteWebLog(message string) {
	mu.RLock()
	f := webFile
	mu.RUnlock()
	if f == nil {
		Debug("%s", message)
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().In(location()).Format("2006/01/02 15:04:05"), message)
	_, _ = f.Write([]byte(line))
}

// Close 刷新并关闭文件日志（程序退出时调用）
func Close() {
	if l := current(); l != nil {
		_ = l.Sync()
	}
	mu.Lock()
	defer mu.Unlock()
	if appFile != nil {
		appFile.Close()
		appFile = nil
	}
	if webFile != nil {
		webFile.Close()
		webFile = nil
	}
	rebuildLocked()
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Debugln 输出调试日志（无格式）
func Debugln(args ...interface{}) {
	current().Debugln(args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	current().Infoln(args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Warnln 输出警告日志（无格式）
func Warnln(args ...interface{}) {
	current().Warnln(args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Errorln 输出错误日志（无格式）
func Errorln(args ...interface{}) {
	current().Errorln(args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	current().Fatalf(format, args...)
}

// Fatalln 输出致命错误日志并退出程序（无格式）
func Fatalln(args ...interface{}) {
	current().Fatalln(args...)
}

// Fatalf 兼容标准库命名
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}

// dailyFile 按日期轮转的日志文件，实现 zapcore.WriteSyncer
type dailyFile struct {
	mu     sync.Mutex
	prefix string
	date   string
	file   *os.File
}

func newDailyFile(prefix string) *dailyFile {
	return &dailyFile{prefix: prefix}
}

func (d *dailyFile) rotate() error {
	today := time.Now().In(location()).Format("2006-01-02")
	if d.file != nil && d.date == today {
		return nil
	}
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	name := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", d.prefix, today))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	d.file = f
	d.date = today
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.rotate(); err != nil {
		// 文件不可用时丢弃，控制台输出不受影响
		return len(p), nil
	}
	return d.file.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

func (d *dailyFile) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
		d.date = ""
	}
}
