package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/model"
)

// Gateway 上游账户网关：按优先级尝试各访问方式，失败或降级读取时切换到下一个
type Gateway struct {
	modes   []Mode
	timeout time.Duration
	pm      *metrics.PrometheusMetrics

	mu      sync.RWMutex
	tracker Tracker
}

// Option Gateway 可选项
type Option func(*Gateway)

// WithTimeout 单次调用超时
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithTracker 设置错误跟踪器
func WithTracker(t Tracker) Option {
	return func(g *Gateway) {
		g.tracker = t
	}
}

// New 创建网关，modes 按优先级排列（轻量方式在前）
func New(modes []Mode, opts ...Option) *Gateway {
	g := &Gateway{
		modes:   modes,
		timeout: 10 * time.Second,
		pm:      metrics.GetPrometheusMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetTracker 设置错误跟踪器（跟踪器本身依赖网关时在构造后注入）
func (g *Gateway) SetTracker(t Tracker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracker = t
}

func (g *Gateway) currentTracker() Tracker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tracker
}

// observe 记录最终结果到错误跟踪器
func (g *Gateway) observe(ctx context.Context, accountID, op string, err error) {
	t := g.currentTracker()
	if t == nil || accountID == "" {
		return
	}
	// 调用方取消不计入账户失败
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	if err == nil {
		t.TrackSuccess(ctx, accountID)
		return
	}
	t.TrackError(context.WithoutCancel(ctx), "", accountID, op+": "+err.Error())
}

// invoke 依次尝试各访问方式
func invoke[T any](g *Gateway, ctx context.Context, op, accountID string,
	fn func(ctx context.Context, m Mode) (T, error), degraded func(T) bool) (T, error) {

	var zero T
	if len(g.modes) == 0 {
		return zero, ErrNoMode
	}

	var lastErr error
	for i, m := range g.modes {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		v, err := fn(callCtx, m)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil && degraded != nil && degraded(v) {
			err = errors.Wrapf(ErrDegraded, "%s %s", m.Name(), op)
		}
		if err != nil && timedOut {
			err = errors.Wrapf(ErrTimeout, "%s %s after %v: %v", m.Name(), op, g.timeout, err)
		}
		g.pm.RecordGatewayCall(m.Name(), op, Classify(err), time.Since(start))

		if err == nil {
			if i > 0 {
				logger.Debug("🔄 [%s] %s 已通过备用方式 %s 完成", accountID, op, m.Name())
			}
			g.observe(ctx, accountID, op, nil)
			return v, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(g.modes)-1 {
			g.pm.RecordGatewayFallback(op, Classify(err))
			logger.Debug("⚠️ [%s] %s 通过 %s 失败，切换备用方式: %v", accountID, op, m.Name(), err)
		}
	}

	g.observe(ctx, accountID, op, lastErr)
	return zero, lastErr
}

// GetAccountInfo 获取账户信息
func (g *Gateway) GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error) {
	return invoke(g, ctx, "account_info", accountID,
		func(ctx context.Context, m Mode) (*model.AccountInfo, error) {
			info, err := m.GetAccountInfo(ctx, accountID)
			if err == nil && info != nil && info.AccountID == "" {
				info.AccountID = accountID
			}
			return info, err
		},
		func(info *model.AccountInfo) bool { return info == nil || info.IsDegraded() },
	)
}

// GetOpenPositions 获取当前持仓
func (g *Gateway) GetOpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, error) {
	return invoke(g, ctx, "positions", accountID,
		func(ctx context.Context, m Mode) ([]model.BrokerPosition, error) {
			return m.GetOpenPositions(ctx, accountID)
		}, nil)
}

// GetTradeHistory 获取历史成交
func (g *Gateway) GetTradeHistory(ctx context.Context, accountID string, r TimeRange) ([]model.Trade, error) {
	return invoke(g, ctx, "trade_history", accountID,
		func(ctx context.Context, m Mode) ([]model.Trade, error) {
			return m.GetTradeHistory(ctx, accountID, r)
		}, nil)
}

// Subscribe 订阅策略
func (g *Gateway) Subscribe(ctx context.Context, req SubscribeRequest) error {
	_, err := invoke(g, ctx, "subscribe", req.AccountID,
		func(ctx context.Context, m Mode) (struct{}, error) {
			return struct{}{}, m.Subscribe(ctx, req)
		}, nil)
	return err
}

// Unsubscribe 取消订阅
func (g *Gateway) Unsubscribe(ctx context.Context, accountID string) error {
	_, err := invoke(g, ctx, "unsubscribe", accountID,
		func(ctx context.Context, m Mode) (struct{}, error) {
			return struct{}{}, m.Unsubscribe(ctx, accountID)
		}, nil)
	return err
}

// UpdateStrategy 更新订阅参数（暂停/恢复使用 close_only/follow 模式）
func (g *Gateway) UpdateStrategy(ctx context.Context, req StrategyUpdate) error {
	_, err := invoke(g, ctx, "update_strategy", req.AccountID,
		func(ctx context.Context, m Mode) (struct{}, error) {
			return struct{}{}, m.UpdateStrategy(ctx, req)
		}, nil)
	return err
}

// OpenPositionStream 通过第一个支持流订阅的访问方式打开持仓事件流
func (g *Gateway) OpenPositionStream(ctx context.Context, accountID, strategyID string) (PositionStream, error) {
	for _, m := range g.modes {
		s, ok := m.(Streamer)
		if !ok {
			continue
		}
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		stream, err := s.OpenPositionStream(callCtx, accountID, strategyID)
		cancel()
		g.pm.RecordGatewayCall(m.Name(), "open_stream", Classify(err), time.Since(start))
		g.observe(ctx, accountID, "open_stream", err)
		return stream, err
	}
	return nil, errors.Wrap(ErrNoMode, "no streaming-capable access mode")
}
