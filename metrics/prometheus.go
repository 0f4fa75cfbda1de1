package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once                    sync.Once
	globalPrometheusMetrics *PrometheusMetrics

	// 上游网关指标
	gatewayCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_gateway_call_total",
			Help: "Total number of upstream gateway calls",
		},
		[]string{"mode", "op", "outcome"},
	)

	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copymesh_gateway_call_duration_seconds",
			Help:    "Upstream gateway call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"mode", "op"},
	)

	gatewayFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_gateway_fallback_total",
			Help: "Total number of fallbacks from one access mode to the next",
		},
		[]string{"op", "reason"},
	)

	// 信号账本指标
	ledgerIntentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_ledger_intent_total",
			Help: "Total number of reconciliation intents applied to the ledger",
		},
		[]string{"kind", "outcome"},
	)

	syncRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_sync_run_total",
			Help: "Total number of full snapshot reconciliations",
		},
		[]string{"account", "trigger"},
	)

	// 流会话指标
	streamingState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_streaming_state",
			Help: "Streaming session state (0=stopped,1=starting,2=connected,3=degraded,4=error)",
		},
		[]string{"account"},
	)

	streamingSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_streaming_sessions",
			Help: "Number of streaming sessions by state",
		},
		[]string{"state"},
	)

	streamingReconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_streaming_reconnect_total",
			Help: "Total number of streaming reconnect attempts",
		},
		[]string{"account", "outcome"},
	)

	streamingEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_streaming_event_total",
			Help: "Total number of streaming events received",
		},
		[]string{"account", "type"},
	)

	// 风控指标
	riskActionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_risk_action_total",
			Help: "Total number of risk governor decisions",
		},
		[]string{"action", "outcome"},
	)

	accountDrawdown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_account_drawdown_percent",
			Help: "Last observed drawdown percent per follower account",
		},
		[]string{"account"},
	)

	// 错误跟踪指标
	consecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copymesh_account_consecutive_failures",
			Help: "Consecutive gateway failures per account",
		},
		[]string{"account"},
	)

	autoDisconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_auto_disconnect_total",
			Help: "Total number of automatic disconnects",
		},
		[]string{"outcome"},
	)

	// 流日志与通知指标
	feedEntryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_feed_entry_total",
			Help: "Total number of streaming-log entries",
		},
		[]string{"type"},
	)

	feedDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copymesh_feed_dropped_total",
			Help: "Total number of streaming-log entries dropped because the queue was full",
		},
	)

	notificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copymesh_notification_total",
			Help: "Total number of outbound notifications",
		},
		[]string{"channel", "outcome"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processRSSBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copymesh_process_rss_bytes",
			Help: "Process resident set size in bytes",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// GetPrometheusMetrics 获取全局指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}

// RecordGatewayCall 记录一次上游调用
func (pm *PrometheusMetrics) RecordGatewayCall(mode, op, outcome string, duration time.Duration) {
	gatewayCallTotal.WithLabelValues(mode, op, outcome).Inc()
	gatewayCallDuration.WithLabelValues(mode, op).Observe(duration.Seconds())
}

// RecordGatewayFallback 记录一次降级切换
func (pm *PrometheusMetrics) RecordGatewayFallback(op, reason string) {
	gatewayFallbackTotal.WithLabelValues(op, reason).Inc()
}

// RecordIntent 记录账本意图处理结果
func (pm *PrometheusMetrics) RecordIntent(kind, outcome string) {
	ledgerIntentTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSyncRun 记录全量对账
func (pm *PrometheusMetrics) RecordSyncRun(account, trigger string) {
	syncRunTotal.WithLabelValues(account, trigger).Inc()
}

// SetStreamingState 设置流会话状态
func (pm *PrometheusMetrics) SetStreamingState(account string, code int) {
	streamingState.WithLabelValues(account).Set(float64(code))
}

// RecordReconnect 记录重连
func (pm *PrometheusMetrics) RecordReconnect(account string, success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	streamingReconnectTotal.WithLabelValues(account, outcome).Inc()
}

// RecordStreamEvent 记录流事件
func (pm *PrometheusMetrics) RecordStreamEvent(account, eventType string) {
	streamingEventTotal.WithLabelValues(account, eventType).Inc()
}

// RecordRiskAction 记录风控决策
func (pm *PrometheusMetrics) RecordRiskAction(action, outcome string) {
	riskActionTotal.WithLabelValues(action, outcome).Inc()
}

// SetDrawdown 设置账户回撤
func (pm *PrometheusMetrics) SetDrawdown(account string, percent float64) {
	accountDrawdown.WithLabelValues(account).Set(percent)
}

// SetConsecutiveFailures 设置连续失败次数
func (pm *PrometheusMetrics) SetConsecutiveFailures(account string, n int) {
	consecutiveFailures.WithLabelValues(account).Set(float64(n))
}

// RecordAutoDisconnect 记录自动断开
func (pm *PrometheusMetrics) RecordAutoDisconnect(success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	autoDisconnectTotal.WithLabelValues(outcome).Inc()
}

// RecordFeedEntry 记录流日志条目
func (pm *PrometheusMetrics) RecordFeedEntry(entryType string) {
	feedEntryTotal.WithLabelValues(entryType).Inc()
}

// RecordFeedDropped 记录被丢弃的流日志
func (pm *PrometheusMetrics) RecordFeedDropped() {
	feedDroppedTotal.Inc()
}

// RecordNotification 记录通知发送
func (pm *PrometheusMetrics) RecordNotification(channel string, success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	notificationTotal.WithLabelValues(channel, outcome).Inc()
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置堆内存
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// SetProcessUsage 设置进程 CPU 与内存
func (pm *PrometheusMetrics) SetProcessUsage(cpuPercent float64, rssBytes uint64) {
	processCPUPercent.Set(cpuPercent)
	processRSSBytes.Set(float64(rssBytes))
}

// SetSessionCounts 按状态设置会话数量，未出现的状态置 0
func (pm *PrometheusMetrics) SetSessionCounts(counts map[string]int) {
	streamingSessions.Reset()
	for state, n := range counts {
		streamingSessions.WithLabelValues(state).Set(float64(n))
	}
}
