package model

import (
	"time"
)

// Side 持仓方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// BrokerPosition 券商持仓快照（只读，由上游拥有）
type BrokerPosition struct {
	PositionID    string    `json:"positionId"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Volume        float64   `json:"volume"`
	OpenPrice     float64   `json:"openPrice"`
	CurrentProfit float64   `json:"currentProfit"`
	StopLoss      *float64  `json:"stopLoss,omitempty"`
	TakeProfit    *float64  `json:"takeProfit,omitempty"`
	OpenedAt      time.Time `json:"openedAt"`
}

// SignalStatus 信号状态
type SignalStatus string

const (
	SignalOpen   SignalStatus = "OPEN"
	SignalClosed SignalStatus = "CLOSED"
)

// Signal 信号账本记录，(AccountID, SourcePositionID) 最多只有一条未关闭记录
type Signal struct {
	SignalID         string       `json:"signalId"`
	SourcePositionID string       `json:"sourcePositionId"`
	AccountID        string       `json:"accountId"`
	Category         string       `json:"category"`
	Pair             string       `json:"pair"`
	Side             Side         `json:"side"`
	EntryPrice       float64      `json:"entryPrice"`
	StopLoss         *float64     `json:"stopLoss,omitempty"`
	TakeProfit1      *float64     `json:"takeProfit1,omitempty"`
	Volume           float64      `json:"volume"`
	LastProfit       float64      `json:"lastProfit"`
	Status           SignalStatus `json:"status"`
	OpenedAt         time.Time    `json:"openedAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	ClosedAt         *time.Time   `json:"closedAt,omitempty"`
	Result           string       `json:"result,omitempty"`
}

// IsClosed 是否已关闭
func (s *Signal) IsClosed() bool {
	return s.Status == SignalClosed
}

// 平仓结果
const (
	ResultWin       = "win"
	ResultLoss      = "loss"
	ResultBreakeven = "breakeven"
)

// ResultFromProfit 根据最后观测到的盈亏得出结果
func ResultFromProfit(profit float64) string {
	switch {
	case profit > 0:
		return ResultWin
	case profit < 0:
		return ResultLoss
	default:
		return ResultBreakeven
	}
}

// AccountStatus 跟单账户状态
type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountPaused       AccountStatus = "paused"
	AccountDisconnected AccountStatus = "disconnected"
)

// CopyTradingAccount 跟单账户
type CopyTradingAccount struct {
	AccountID             string        `json:"accountId"`
	UserID                string        `json:"userId"`
	StrategyID            string        `json:"strategyId"`
	Status                AccountStatus `json:"status"`
	AutoPauseEnabled      bool          `json:"autoPauseEnabled"`
	AutoResumeEnabled     bool          `json:"autoResumeEnabled"`
	MaxDrawdownPercent    float64       `json:"maxDrawdownPercent"`
	ResumeDrawdownPercent float64       `json:"resumeDrawdownPercent"`
	AutoPausedAt          *time.Time    `json:"autoPausedAt,omitempty"`
	AutoPauseReason       string        `json:"autoPauseReason,omitempty"`
	DisconnectedAt        *time.Time    `json:"disconnectedAt,omitempty"`
}

// AccountInfo 上游账户信息
type AccountInfo struct {
	AccountID  string  `json:"accountId"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Currency   string  `json:"currency,omitempty"`
}

// IsDegraded 余额和净值同时为 0 表示上游降级读取
func (a *AccountInfo) IsDegraded() bool {
	return a.Balance == 0 && a.Equity == 0
}

// AccountStatsSnapshot 统计缓存条目
type AccountStatsSnapshot struct {
	AccountID  string    `json:"accountId"`
	Balance    float64   `json:"balance"`
	Equity     float64   `json:"equity"`
	Margin     float64   `json:"margin"`
	FreeMargin float64   `json:"freeMargin"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// SnapshotFromInfo 由账户信息生成快照
func SnapshotFromInfo(info *AccountInfo, fetchedAt time.Time) AccountStatsSnapshot {
	return AccountStatsSnapshot{
		AccountID:  info.AccountID,
		Balance:    info.Balance,
		Equity:     info.Equity,
		Margin:     info.Margin,
		FreeMargin: info.FreeMargin,
		FetchedAt:  fetchedAt,
	}
}

// PositionsSnapshot 持仓缓存条目
type PositionsSnapshot struct {
	AccountID string           `json:"accountId"`
	Positions []BrokerPosition `json:"positions"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

// Trade 历史成交
type Trade struct {
	TradeID    string    `json:"tradeId"`
	PositionID string    `json:"positionId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Time       time.Time `json:"time"`
}

// ErrorRecord 连续失败记录
type ErrorRecord struct {
	AccountID           string     `json:"accountId"`
	UserID              string     `json:"userId,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	DisconnectedAt      *time.Time `json:"disconnectedAt,omitempty"`
}

// StreamState 流会话状态
type StreamState string

const (
	StreamStopped   StreamState = "stopped"
	StreamStarting  StreamState = "starting"
	StreamConnected StreamState = "connected"
	StreamDegraded  StreamState = "degraded"
	StreamError     StreamState = "error"
)

// StreamingSession 流会话状态快照
type StreamingSession struct {
	AccountID   string      `json:"accountId"`
	StrategyID  string      `json:"strategyId"`
	Category    string      `json:"category"`
	State       StreamState `json:"state"`
	IsConnected bool        `json:"isConnected"`
	StartedAt   time.Time   `json:"startedAt"`
	LastEventAt *time.Time  `json:"lastEventAt,omitempty"`
	Reconnects  int         `json:"reconnects"`
	Error       string      `json:"error,omitempty"`
}
