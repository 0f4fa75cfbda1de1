package event

import (
	"time"

	"copymesh/logger"
	"copymesh/metrics"
)

// EntryType 流日志条目类型
type EntryType string

const (
	EntryPositionDetected    EntryType = "position_detected"
	EntrySignalCreated       EntryType = "signal_created"
	EntrySignalUpdated       EntryType = "signal_updated"
	EntryPositionClosed      EntryType = "position_closed"
	EntryError               EntryType = "error"
	EntryRiskPaused          EntryType = "risk_paused"
	EntryRiskResumed         EntryType = "risk_resumed"
	EntryAccountDisconnected EntryType = "account_disconnected"
	EntryStreamingState      EntryType = "streaming_state"
)

// Entry 流日志条目
type Entry struct {
	ID         int64     `json:"id,omitempty"`
	Type       EntryType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	AccountID  string    `json:"accountId,omitempty"`
	PositionID string    `json:"positionId,omitempty"`
	SignalID   string    `json:"signalId,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// WithSuccess 设置结果标记
func (e *Entry) WithSuccess(ok bool) *Entry {
	e.Success = &ok
	return e
}

// Publisher 流日志发布方（账本、风控、错误跟踪、流会话）
type Publisher interface {
	Publish(entry *Entry)
}

// EventBus 次要效果队列：发布永不阻塞，满时丢弃
type EventBus struct {
	entryCh    chan *Entry
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		entryCh:    make(chan *Entry, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布条目（非阻塞）
func (eb *EventBus) Publish(entry *Entry) {
	if entry == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	select {
	case eb.entryCh <- entry:
	default:
		metrics.GetPrometheusMetrics().RecordFeedDropped()
		logger.Warn("⚠️ 事件队列已满，丢弃条目: %s", entry.Type)
	}
}

// Subscribe 订阅条目
func (eb *EventBus) Subscribe() <-chan *Entry {
	return eb.entryCh
}

// Len 当前积压数量
func (eb *EventBus) Len() int {
	return len(eb.entryCh)
}

// Discard 丢弃所有条目，用于不需要流日志的一次性命令
type Discard struct{}

func (Discard) Publish(*Entry) {}
