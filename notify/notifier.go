package notify

import (
	"context"
	"sync"
	"time"

	"copymesh/config"
	"copymesh/event"
	"copymesh/logger"
	"copymesh/metrics"
)

// Notifier 通知渠道
type Notifier interface {
	// Send 发送消息到 channel（渠道内的目标，如 Telegram chat id；为空时使用默认目标）
	Send(ctx context.Context, channel, message string) (messageID string, err error)
	Name() string
}

// NotificationService 通知服务：异步扇出到所有启用的渠道，从不阻塞调用方
type NotificationService struct {
	notifiers []Notifier
	timeout   time.Duration
	pm        *metrics.PrometheusMetrics
	wg        sync.WaitGroup
}

// NewNotificationService 按配置创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{
		timeout: 5 * time.Second,
		pm:      metrics.GetPrometheusMetrics(),
	}
	if !cfg.Notifications.Enabled {
		return ns
	}

	if cfg.Notifications.Telegram.Enabled {
		n, err := NewTelegramNotifier(cfg.Notifications.Telegram)
		if err != nil {
			logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, n)
			logger.Info("✅ Telegram 通知已启用")
		}
	}

	if cfg.Notifications.Webhook.Enabled {
		n, err := NewWebhookNotifier(cfg.Notifications.Webhook)
		if err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			ns.notifiers = append(ns.notifiers, n)
			logger.Info("✅ Webhook 通知已启用")
		}
	}

	return ns
}

// NewNotificationServiceWith 直接指定渠道
func NewNotificationServiceWith(notifiers ...Notifier) *NotificationService {
	return &NotificationService{
		notifiers: notifiers,
		timeout:   5 * time.Second,
		pm:        metrics.GetPrometheusMetrics(),
	}
}

// Enabled 是否有可用渠道
func (ns *NotificationService) Enabled() bool {
	return len(ns.notifiers) > 0
}

// Notify 把流日志条目发送到所有渠道
func (ns *NotificationService) Notify(entry *event.Entry) {
	if entry == nil {
		return
	}
	ns.Broadcast(formatMessage(entry))
}

// Broadcast 异步发送文本到所有渠道的默认目标
func (ns *NotificationService) Broadcast(message string) {
	if len(ns.notifiers) == 0 {
		return
	}

	for _, n := range ns.notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), ns.timeout)
			defer cancel()

			id, err := n.Send(ctx, "", message)
			ns.pm.RecordNotification(n.Name(), err == nil)
			if err != nil {
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
				return
			}
			logger.Debug("📨 [%s] 通知已发送: %s", n.Name(), id)
		}(n)
	}
}

// Wait 等待已发出的通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}

func formatMessage(entry *event.Entry) string {
	var emoji string
	switch entry.Type {
	case event.EntrySignalCreated:
		emoji = "📝"
	case event.EntryPositionClosed:
		emoji = "✅"
	case event.EntryRiskPaused:
		emoji = "🚨"
	case event.EntryRiskResumed:
		emoji = "🔄"
	case event.EntryAccountDisconnected:
		emoji = "🛑"
	case event.EntryError:
		emoji = "❌"
	default:
		emoji = "ℹ️"
	}
	return emoji + " " + event.FormatMessage(entry) + "\n时间: " + entry.Timestamp.Format("2006-01-02 15:04:05")
}
