package reconciler

import (
	"math"
	"sync"
	"time"

	"copymesh/gateway"
	"copymesh/model"
)

// IntentKind 对账意图类型
type IntentKind string

const (
	IntentCreate IntentKind = "create"
	IntentUpdate IntentKind = "update"
	IntentClose  IntentKind = "close"
)

// Intent 对账意图，由账本写入器应用
type Intent struct {
	Kind       IntentKind
	AccountID  string
	Category   string
	PositionID string
	// Position 观测到的持仓；快照差异得出的平仓意图为 nil
	Position *model.BrokerPosition
	// SignalID 已知的目标信号，为空时由写入器按持仓查找
	SignalID   string
	ObservedAt time.Time
}

// Plan 一次快照对账的结果，每个持仓和每个未关闭信号恰好出现一次
type Plan struct {
	Creates      []Intent
	Updates      []Intent
	Closes       []Intent
	Unchanged    []string // positionId
	PendingClose []string // signalId，缺席次数未达到阈值
}

// Intents 按 创建 → 更新 → 平仓 的顺序返回全部意图
func (p *Plan) Intents() []Intent {
	out := make([]Intent, 0, len(p.Creates)+len(p.Updates)+len(p.Closes))
	out = append(out, p.Creates...)
	out = append(out, p.Updates...)
	out = append(out, p.Closes...)
	return out
}

// Empty 没有任何需要写入的意图
func (p *Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Closes) == 0
}

// AbsenceTracker 记录未关闭信号在连续快照中缺席的次数
type AbsenceTracker struct {
	mu        sync.Mutex
	threshold int
	misses    map[string]int
}

// NewAbsenceTracker threshold 小于 1 时按 1 处理（单次缺席即平仓）
func NewAbsenceTracker(threshold int) *AbsenceTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &AbsenceTracker{
		threshold: threshold,
		misses:    make(map[string]int),
	}
}

func absenceKey(accountID, positionID string) string {
	return accountID + ":" + positionID
}

// Observe 记录一次缺席，返回是否达到平仓阈值；达到后计数清零
func (a *AbsenceTracker) Observe(accountID, positionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := absenceKey(accountID, positionID)
	a.misses[key]++
	if a.misses[key] >= a.threshold {
		delete(a.misses, key)
		return true
	}
	return false
}

// Reset 持仓再次出现
func (a *AbsenceTracker) Reset(accountID, positionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.misses, absenceKey(accountID, positionID))
}

// Misses 当前缺席次数
func (a *AbsenceTracker) Misses(accountID, positionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.misses[absenceKey(accountID, positionID)]
}

// Threshold 平仓阈值
func (a *AbsenceTracker) Threshold() int {
	return a.threshold
}

// Reconciler 持仓对账器：快照与账本之间的三方集合差
type Reconciler struct {
	absence *AbsenceTracker
	now     func() time.Time
}

// New closeDebounce 为判定平仓所需的连续缺席快照数
func New(closeDebounce int) *Reconciler {
	return &Reconciler{
		absence: NewAbsenceTracker(closeDebounce),
		now:     time.Now,
	}
}

// Absence 缺席计数器
func (r *Reconciler) Absence() *AbsenceTracker {
	return r.absence
}

// Diff 计算快照与未关闭信号之间的差异
func (r *Reconciler) Diff(accountID, category string, positions []model.BrokerPosition, openSignals []model.Signal) Plan {
	now := r.now()
	var plan Plan

	byPosition := make(map[string]*model.Signal, len(openSignals))
	for i := range openSignals {
		s := &openSignals[i]
		if s.IsClosed() {
			continue
		}
		if _, dup := byPosition[s.SourcePositionID]; !dup {
			byPosition[s.SourcePositionID] = s
		}
	}

	seen := make(map[string]struct{}, len(positions))
	for i := range positions {
		p := positions[i]
		if p.PositionID == "" {
			continue
		}
		if _, dup := seen[p.PositionID]; dup {
			continue
		}
		seen[p.PositionID] = struct{}{}

		s, ok := byPosition[p.PositionID]
		if !ok {
			plan.Creates = append(plan.Creates, Intent{
				Kind:       IntentCreate,
				AccountID:  accountID,
				Category:   category,
				PositionID: p.PositionID,
				Position:   &p,
				ObservedAt: now,
			})
			continue
		}

		r.absence.Reset(accountID, p.PositionID)
		if Changed(s, &p) {
			plan.Updates = append(plan.Updates, Intent{
				Kind:       IntentUpdate,
				AccountID:  accountID,
				Category:   category,
				PositionID: p.PositionID,
				Position:   &p,
				SignalID:   s.SignalID,
				ObservedAt: now,
			})
		} else {
			plan.Unchanged = append(plan.Unchanged, p.PositionID)
		}
	}

	for i := range openSignals {
		s := &openSignals[i]
		if s.IsClosed() || byPosition[s.SourcePositionID] != s {
			continue
		}
		if _, ok := seen[s.SourcePositionID]; ok {
			continue
		}
		if !r.absence.Observe(accountID, s.SourcePositionID) {
			plan.PendingClose = append(plan.PendingClose, s.SignalID)
			continue
		}
		plan.Closes = append(plan.Closes, Intent{
			Kind:       IntentClose,
			AccountID:  accountID,
			Category:   category,
			PositionID: s.SourcePositionID,
			SignalID:   s.SignalID,
			ObservedAt: now,
		})
	}

	return plan
}

// FromEvent 把一条流事件转换为单个意图；心跳和无变化的更新返回 false
func FromEvent(accountID, category string, ev gateway.PositionEvent, existing *model.Signal) (Intent, bool) {
	if existing != nil && existing.IsClosed() {
		existing = nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	p := ev.Position
	intent := Intent{
		AccountID:  accountID,
		Category:   category,
		PositionID: p.PositionID,
		ObservedAt: at,
	}
	if p.PositionID == "" {
		return intent, false
	}

	switch ev.Type {
	case gateway.EventOpened, gateway.EventUpdated:
		intent.Position = &p
		if existing == nil {
			intent.Kind = IntentCreate
			return intent, true
		}
		if !Changed(existing, &p) {
			return intent, false
		}
		intent.Kind = IntentUpdate
		intent.SignalID = existing.SignalID
		return intent, true
	case gateway.EventClosed:
		intent.Kind = IntentClose
		intent.Position = &p
		if existing != nil {
			intent.SignalID = existing.SignalID
		}
		return intent, true
	default:
		return intent, false
	}
}

// Changed 观测字段是否变化：手数、盈亏（精确到分）、止损、止盈、开仓价
func Changed(s *model.Signal, p *model.BrokerPosition) bool {
	if s.Volume != p.Volume {
		return true
	}
	if cents(s.LastProfit) != cents(p.CurrentProfit) {
		return true
	}
	if !samePrice(s.StopLoss, p.StopLoss) || !samePrice(s.TakeProfit1, p.TakeProfit) {
		return true
	}
	return s.EntryPrice != p.OpenPrice
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
