package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"copymesh/database"
	"copymesh/event"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/model"
	"copymesh/reconciler"
)

// Outcome 意图应用结果
type Outcome string

const (
	Applied Outcome = "applied"
	Skipped Outcome = "skipped"
)

// 跳过原因
const (
	ReasonDuplicate     = "duplicate"
	ReasonClosed        = "closed"
	ReasonNotFound      = "not_found"
	ReasonAlreadyClosed = "already_closed"
)

// Result 单个意图的应用结果
type Result struct {
	Kind     reconciler.IntentKind `json:"kind"`
	Outcome  Outcome               `json:"outcome"`
	Reason   string                `json:"reason,omitempty"`
	SignalID string                `json:"signalId,omitempty"`
}

// Writer 信号账本写入器，按 (accountId, positionId) 幂等
type Writer struct {
	store   database.DocumentStore
	locker  lock.DistributedLock
	bus     event.Publisher
	pm      *metrics.PrometheusMetrics
	lockTTL time.Duration
	now     func() time.Time
	newID   func() string
}

// NewWriter 创建写入器
func NewWriter(store database.DocumentStore, locker lock.DistributedLock, bus event.Publisher) *Writer {
	if bus == nil {
		bus = event.Discard{}
	}
	return &Writer{
		store:   store,
		locker:  locker,
		bus:     bus,
		pm:      metrics.GetPrometheusMetrics(),
		lockTTL: 30 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func lockKey(accountID string) string {
	return "ledger:" + accountID
}

// Apply 应用单个意图。完整性冲突返回 Skipped，不视为错误。
// 获得账户锁之后的写入不受 ctx 取消影响。
func (w *Writer) Apply(ctx context.Context, in reconciler.Intent) (Result, error) {
	res := Result{Kind: in.Kind}
	err := lock.WithLock(ctx, w.locker, lockKey(in.AccountID), w.lockTTL, func() error {
		var err error
		res, err = w.apply(context.WithoutCancel(ctx), in)
		return err
	})

	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
		w.bus.Publish((&event.Entry{
			Type:       event.EntryError,
			Message:    fmt.Sprintf("应用 %s 意图失败", in.Kind),
			AccountID:  in.AccountID,
			PositionID: in.PositionID,
			SignalID:   in.SignalID,
			Error:      err.Error(),
		}).WithSuccess(false))
		logger.Error("❌ [%s] 应用 %s 意图失败 (持仓 %s): %v", in.AccountID, in.Kind, in.PositionID, err)
	}
	w.pm.RecordIntent(string(in.Kind), outcome)
	return res, err
}

func (w *Writer) apply(ctx context.Context, in reconciler.Intent) (Result, error) {
	switch in.Kind {
	case reconciler.IntentCreate:
		return w.create(ctx, in)
	case reconciler.IntentUpdate:
		return w.update(ctx, in)
	case reconciler.IntentClose:
		return w.close(ctx, in)
	default:
		return Result{Kind: in.Kind}, errors.Errorf("unknown intent kind %q", in.Kind)
	}
}

func (w *Writer) create(ctx context.Context, in reconciler.Intent) (Result, error) {
	res := Result{Kind: in.Kind}
	if in.Position == nil {
		return res, errors.New("create intent without position")
	}
	p := in.Position

	w.bus.Publish(&event.Entry{
		Type:       event.EntryPositionDetected,
		Message:    fmt.Sprintf("检测到持仓 %s %s %.2f 手", p.Symbol, p.Side, p.Volume),
		AccountID:  in.AccountID,
		PositionID: p.PositionID,
	})

	existing, err := w.OpenSignal(ctx, in.AccountID, p.PositionID)
	if err != nil {
		return res, err
	}
	if existing != nil {
		res.Outcome, res.Reason, res.SignalID = Skipped, ReasonDuplicate, existing.SignalID
		return res, nil
	}

	now := w.now()
	openedAt := p.OpenedAt
	if openedAt.IsZero() {
		openedAt = in.ObservedAt
	}
	s := model.Signal{
		SignalID:         w.newID(),
		SourcePositionID: p.PositionID,
		AccountID:        in.AccountID,
		Category:         in.Category,
		Pair:             p.Symbol,
		Side:             p.Side,
		EntryPrice:       p.OpenPrice,
		StopLoss:         p.StopLoss,
		TakeProfit1:      p.TakeProfit,
		Volume:           p.Volume,
		LastProfit:       p.CurrentProfit,
		Status:           model.SignalOpen,
		OpenedAt:         openedAt.UTC(),
		UpdatedAt:        now,
	}
	if err := w.store.Set(ctx, database.CollectionSignals, s.SignalID, s); err != nil {
		return res, errors.Wrap(err, "create signal")
	}

	res.Outcome, res.SignalID = Applied, s.SignalID
	w.bus.Publish((&event.Entry{
		Type:       event.EntrySignalCreated,
		Message:    fmt.Sprintf("创建信号 %s %s @ %.5f", s.Pair, s.Side, s.EntryPrice),
		AccountID:  in.AccountID,
		PositionID: p.PositionID,
		SignalID:   s.SignalID,
	}).WithSuccess(true))
	return res, nil
}

func (w *Writer) update(ctx context.Context, in reconciler.Intent) (Result, error) {
	res := Result{Kind: in.Kind}
	if in.Position == nil {
		return res, errors.New("update intent without position")
	}
	s, err := w.target(ctx, in)
	if err != nil {
		return res, err
	}
	if s == nil {
		res.Outcome, res.Reason = Skipped, ReasonNotFound
		return res, nil
	}
	res.SignalID = s.SignalID
	if s.IsClosed() {
		res.Outcome, res.Reason = Skipped, ReasonClosed
		return res, nil
	}

	p := in.Position
	patch := map[string]interface{}{
		"volume":      p.Volume,
		"lastProfit":  p.CurrentProfit,
		"entryPrice":  p.OpenPrice,
		"stopLoss":    p.StopLoss,
		"takeProfit1": p.TakeProfit,
		"updatedAt":   w.now(),
	}
	if err := w.store.Update(ctx, database.CollectionSignals, s.SignalID, patch); err != nil {
		return res, errors.Wrap(err, "update signal")
	}

	res.Outcome = Applied
	w.bus.Publish((&event.Entry{
		Type:       event.EntrySignalUpdated,
		Message:    fmt.Sprintf("更新信号 %s 手数 %.2f 盈亏 %.2f", s.Pair, p.Volume, p.CurrentProfit),
		AccountID:  in.AccountID,
		PositionID: s.SourcePositionID,
		SignalID:   s.SignalID,
	}).WithSuccess(true))
	return res, nil
}

func (w *Writer) close(ctx context.Context, in reconciler.Intent) (Result, error) {
	res := Result{Kind: in.Kind}
	s, err := w.target(ctx, in)
	if err != nil {
		return res, err
	}
	if s == nil {
		res.Outcome, res.Reason = Skipped, ReasonNotFound
		return res, nil
	}
	res.SignalID = s.SignalID
	if s.IsClosed() || s.ClosedAt != nil {
		res.Outcome, res.Reason = Skipped, ReasonAlreadyClosed
		return res, nil
	}

	profit := s.LastProfit
	if in.Position != nil {
		profit = in.Position.CurrentProfit
	}
	now := w.now()
	result := model.ResultFromProfit(profit)
	patch := map[string]interface{}{
		"status":     model.SignalClosed,
		"closedAt":   now,
		"result":     result,
		"lastProfit": profit,
		"updatedAt":  now,
	}
	if err := w.store.Update(ctx, database.CollectionSignals, s.SignalID, patch); err != nil {
		return res, errors.Wrap(err, "close signal")
	}

	res.Outcome = Applied
	w.bus.Publish((&event.Entry{
		Type:       event.EntryPositionClosed,
		Message:    fmt.Sprintf("持仓已平仓 %s 结果 %s 盈亏 %.2f", s.Pair, result, profit),
		AccountID:  in.AccountID,
		PositionID: s.SourcePositionID,
		SignalID:   s.SignalID,
	}).WithSuccess(true))
	return res, nil
}

// target 查找意图目标；SignalID 为空时按持仓查找，优先未关闭的信号
func (w *Writer) target(ctx context.Context, in reconciler.Intent) (*model.Signal, error) {
	if in.SignalID != "" {
		var s model.Signal
		err := w.store.Get(ctx, database.CollectionSignals, in.SignalID, &s)
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "load signal")
		}
		return &s, nil
	}

	var signals []model.Signal
	err := w.store.Query(ctx, database.CollectionSignals, database.Filter{
		"accountId":        in.AccountID,
		"sourcePositionId": in.PositionID,
	}, &signals)
	if err != nil {
		return nil, errors.Wrap(err, "query signals")
	}
	if len(signals) == 0 {
		return nil, nil
	}
	latest := &signals[0]
	for i := range signals {
		s := &signals[i]
		if !s.IsClosed() {
			return s, nil
		}
		if s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	return latest, nil
}

// OpenSignal 查找 (accountId, positionId) 的未关闭信号，不存在时返回 nil
func (w *Writer) OpenSignal(ctx context.Context, accountID, positionID string) (*model.Signal, error) {
	var signals []model.Signal
	err := w.store.Query(ctx, database.CollectionSignals, database.Filter{
		"accountId":        accountID,
		"sourcePositionId": positionID,
		"status":           string(model.SignalOpen),
	}, &signals)
	if err != nil {
		return nil, errors.Wrap(err, "query open signal")
	}
	if len(signals) == 0 {
		return nil, nil
	}
	return &signals[0], nil
}

// OpenSignals 账户的全部未关闭信号
func (w *Writer) OpenSignals(ctx context.Context, accountID string) ([]model.Signal, error) {
	return w.ListSignals(ctx, accountID, model.SignalOpen)
}

// ListSignals 按账户和状态列出信号，status 为空时返回全部
func (w *Writer) ListSignals(ctx context.Context, accountID string, status model.SignalStatus) ([]model.Signal, error) {
	filter := database.Filter{}
	if accountID != "" {
		filter["accountId"] = accountID
	}
	if status != "" {
		filter["status"] = string(status)
	}
	signals := make([]model.Signal, 0)
	if err := w.store.Query(ctx, database.CollectionSignals, filter, &signals); err != nil {
		return nil, errors.Wrap(err, "list signals")
	}
	return signals, nil
}

// Summary 一组意图的应用统计
type Summary struct {
	Created int      `json:"signalsCreated"`
	Updated int      `json:"signalsUpdated"`
	Closed  int      `json:"signalsClosed"`
	Skipped int      `json:"signalsSkipped"`
	Errors  []string `json:"errors"`
}

// ApplyAll 按顺序逐个应用意图，单个失败不影响其余意图
func (w *Writer) ApplyAll(ctx context.Context, intents []reconciler.Intent) Summary {
	sum := Summary{Errors: make([]string, 0)}
	for _, in := range intents {
		res, err := w.Apply(ctx, in)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s %s: %v", in.Kind, in.PositionID, err))
			continue
		}
		if res.Outcome == Skipped {
			sum.Skipped++
			continue
		}
		switch in.Kind {
		case reconciler.IntentCreate:
			sum.Created++
		case reconciler.IntentUpdate:
			sum.Updated++
		case reconciler.IntentClose:
			sum.Closed++
		}
	}
	return sum
}
