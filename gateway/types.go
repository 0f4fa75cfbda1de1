package gateway

import (
	"context"
	"time"

	"copymesh/model"
)

// TimeRange 历史查询时间范围
type TimeRange struct {
	From time.Time
	To   time.Time
}

// SubscriptionMode 跟单模式
type SubscriptionMode string

const (
	// ModeFollow 正常跟随开平仓
	ModeFollow SubscriptionMode = "follow"
	// ModeCloseOnly 只跟随平仓，不再开新仓
	ModeCloseOnly SubscriptionMode = "close_only"
)

// SubscribeRequest 订阅策略
type SubscribeRequest struct {
	AccountID  string           `json:"accountId"`
	StrategyID string           `json:"strategyId"`
	Multiplier float64          `json:"multiplier,omitempty"`
	Mode       SubscriptionMode `json:"mode,omitempty"`
}

// StrategyUpdate 更新订阅
type StrategyUpdate struct {
	AccountID  string           `json:"accountId"`
	StrategyID string           `json:"strategyId"`
	Multiplier float64          `json:"multiplier,omitempty"`
	Mode       SubscriptionMode `json:"mode"`
}

// Mode 上游访问方式，Gateway 按优先级依次尝试
type Mode interface {
	Name() string
	GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error)
	GetOpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, error)
	GetTradeHistory(ctx context.Context, accountID string, r TimeRange) ([]model.Trade, error)
	Subscribe(ctx context.Context, req SubscribeRequest) error
	Unsubscribe(ctx context.Context, accountID string) error
	UpdateStrategy(ctx context.Context, req StrategyUpdate) error
}

// PositionEventType 流事件类型
type PositionEventType string

const (
	EventOpened    PositionEventType = "opened"
	EventUpdated   PositionEventType = "updated"
	EventClosed    PositionEventType = "closed"
	EventHeartbeat PositionEventType = "heartbeat"
)

// PositionEvent 持仓流事件
type PositionEvent struct {
	Type      PositionEventType    `json:"event"`
	AccountID string               `json:"accountId"`
	Position  model.BrokerPosition `json:"position"`
	Timestamp time.Time            `json:"timestamp"`
}

// PositionStream 持仓事件流
type PositionStream interface {
	Events() <-chan PositionEvent
	// Done 流结束（传输错误或关闭）时关闭
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Streamer 支持持仓事件订阅的访问方式
type Streamer interface {
	OpenPositionStream(ctx context.Context, accountID, strategyID string) (PositionStream, error)
}

// Tracker 观测每次调用的最终结果
type Tracker interface {
	TrackSuccess(ctx context.Context, accountID string)
	TrackError(ctx context.Context, userID, accountID, message string)
}
