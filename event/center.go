package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"copymesh/logger"
	"copymesh/metrics"
)

// Severity 条目严重程度
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// GetEntrySeverity 获取条目严重程度
func GetEntrySeverity(t EntryType) Severity {
	switch t {
	case EntryAccountDisconnected, EntryRiskPaused:
		return SeverityCritical
	case EntryError, EntryRiskResumed:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// GetEntryTitle 获取条目标题
func GetEntryTitle(t EntryType) string {
	switch t {
	case EntryPositionDetected:
		return "检测到持仓"
	case EntrySignalCreated:
		return "信号已创建"
	case EntrySignalUpdated:
		return "信号已更新"
	case EntryPositionClosed:
		return "持仓已平仓"
	case EntryError:
		return "同步错误"
	case EntryRiskPaused:
		return "风控暂停跟单"
	case EntryRiskResumed:
		return "风控恢复跟单"
	case EntryAccountDisconnected:
		return "账户已自动断开"
	case EntryStreamingState:
		return "流会话状态变化"
	default:
		return string(t)
	}
}

// Store 流日志持久化
type Store interface {
	Save(ctx context.Context, entry *Entry) error
	CleanOld(ctx context.Context, before time.Time) (int64, error)
}

// Notifier 外发通知（尽力而为）
type Notifier interface {
	Notify(entry *Entry)
}

// CenterConfig 事件中心配置
type CenterConfig struct {
	Enabled         bool
	RetentionDays   int
	CleanupInterval time.Duration
	// NotifyTypes 额外需要通知的条目类型（critical 总是通知）
	NotifyTypes []EntryType
}

// EventCenter 消费事件总线：持久化、通知、计数
type EventCenter struct {
	store       Store
	eventBus    *EventBus
	notifier    Notifier
	config      CenterConfig
	notifyTypes map[EntryType]bool
	pm          *metrics.PrometheusMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventCenter 创建事件中心，store 和 notifier 可为 nil
func NewEventCenter(store Store, eventBus *EventBus, notifier Notifier, config CenterConfig) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 24 * time.Hour
	}

	notifyTypes := make(map[EntryType]bool)
	for _, t := range config.NotifyTypes {
		notifyTypes[t] = true
	}

	return &EventCenter{
		store:       store,
		eventBus:    eventBus,
		notifier:    notifier,
		config:      config,
		notifyTypes: notifyTypes,
		pm:          metrics.GetPrometheusMetrics(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ 事件中心未启用")
		return nil
	}

	logger.Info("🚀 启动事件中心...")

	ec.wg.Add(1)
	go ec.processEntries()

	if ec.store != nil && ec.config.RetentionDays > 0 {
		ec.wg.Add(1)
		go ec.cleanupTask()
	}

	logger.Info("✅ 事件中心已启动")
	return nil
}

// Stop 停止事件中心，已入队的条目会先处理完
func (ec *EventCenter) Stop() {
	logger.Info("🛑 停止事件中心...")
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

func (ec *EventCenter) processEntries() {
	defer ec.wg.Done()

	entryCh := ec.eventBus.Subscribe()
	for {
		select {
		case <-ec.ctx.Done():
			ec.drain(entryCh)
			return
		case entry := <-entryCh:
			ec.handleEntry(entry)
		}
	}
}

func (ec *EventCenter) drain(entryCh <-chan *Entry) {
	for {
		select {
		case entry := <-entryCh:
			ec.handleEntry(entry)
		default:
			return
		}
	}
}

// handleEntry 持久化失败只记录日志，不影响通知
func (ec *EventCenter) handleEntry(entry *Entry) {
	if entry == nil {
		return
	}
	ec.pm.RecordFeedEntry(string(entry.Type))

	if ec.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := ec.store.Save(ctx, entry)
		cancel()
		if err != nil {
			logger.Error("❌ 保存流日志失败: %v", err)
		}
	}

	if ec.notifier != nil && ec.shouldNotify(entry.Type) {
		ec.notifier.Notify(entry)
	}
}

func (ec *EventCenter) shouldNotify(t EntryType) bool {
	if GetEntrySeverity(t) == SeverityCritical {
		return true
	}
	return ec.notifyTypes[t]
}

func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	ticker := time.NewTicker(ec.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-ticker.C:
			ec.performCleanup()
		}
	}
}

func (ec *EventCenter) performCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	before := time.Now().AddDate(0, 0, -ec.config.RetentionDays)
	n, err := ec.store.CleanOld(ctx, before)
	if err != nil {
		logger.Error("❌ 清理流日志失败: %v", err)
		return
	}
	logger.Info("🧹 已清理 %d 条 %d 天前的流日志", n, ec.config.RetentionDays)
}

// FormatMessage 构建通知文本
func FormatMessage(entry *Entry) string {
	msg := fmt.Sprintf("[%s] %s", GetEntryTitle(entry.Type), entry.Message)
	if entry.AccountID != "" {
		msg += fmt.Sprintf("\n账户: %s", entry.AccountID)
	}
	if entry.SignalID != "" {
		msg += fmt.Sprintf("\n信号: %s", entry.SignalID)
	}
	if entry.Error != "" {
		msg += fmt.Sprintf("\n错误: %s", entry.Error)
	}
	return msg
}
