package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"copymesh/event"
	"copymesh/gateway"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/model"
)

var (
	// ErrHeartbeatTimeout 超过心跳超时未收到任何事件
	ErrHeartbeatTimeout = errors.New("position stream heartbeat timeout")
	// ErrStreamEnded 流在没有错误的情况下结束
	ErrStreamEnded = errors.New("position stream ended")
)

// Opener 打开持仓事件流
type Opener interface {
	OpenPositionStream(ctx context.Context, accountID, strategyID string) (gateway.PositionStream, error)
}

// Handler 处理流事件和全量快照同步
type Handler interface {
	HandleEvent(ctx context.Context, accountID, category string, ev gateway.PositionEvent) error
	SyncFromPositions(ctx context.Context, accountID, category string) error
}

// Config 会话参数
type Config struct {
	HeartbeatTimeout     time.Duration
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	DegradedPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		c.ReconnectMaxDelay = 60 * time.Second
		if c.ReconnectMaxDelay < c.ReconnectMinDelay {
			c.ReconnectMaxDelay = c.ReconnectMinDelay
		}
	}
	if c.DegradedPollInterval <= 0 {
		c.DegradedPollInterval = 30 * time.Second
	}
	return c
}

func stateCode(s model.StreamState) int {
	switch s {
	case model.StreamStarting:
		return 1
	case model.StreamConnected:
		return 2
	case model.StreamDegraded:
		return 3
	case model.StreamError:
		return 4
	default:
		return 0
	}
}

// Session 单个主账户的持仓流会话
type Session struct {
	accountID  string
	strategyID string
	category   string

	opener  Opener
	handler Handler
	bus     event.Publisher
	pm      *metrics.PrometheusMetrics
	cfg     Config

	mu          sync.RWMutex
	state       model.StreamState
	startedAt   time.Time
	lastEventAt *time.Time
	reconnects  int
	lastErr     string

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func newSession(accountID, strategyID, category string, opener Opener, handler Handler, bus event.Publisher, cfg Config) *Session {
	if bus == nil {
		bus = event.Discard{}
	}
	return &Session{
		accountID:  accountID,
		strategyID: strategyID,
		category:   category,
		opener:     opener,
		handler:    handler,
		bus:        bus,
		pm:         metrics.GetPrometheusMetrics(),
		cfg:        cfg.withDefaults(),
		state:      model.StreamStopped,
		done:       make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// start 首次连接。永久错误返回 error 并进入 Error；临时错误进入 Degraded 并在后台重连。
// base 是会话循环的生命周期，ctx 只约束首次连接。
func (s *Session) start(ctx, base context.Context) error {
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()
	s.setState(model.StreamStarting, "")

	stream, err := s.opener.OpenPositionStream(ctx, s.accountID, s.strategyID)
	if err != nil && gateway.IsPermanent(err) {
		s.setState(model.StreamError, err.Error())
		close(s.done)
		logger.Error("❌ [%s] 持仓流启动失败: %v", s.accountID, err)
		return err
	}

	loopCtx, cancel := context.WithCancel(base)
	s.cancel = cancel
	if err != nil {
		s.setState(model.StreamDegraded, err.Error())
		logger.Warn("⚠️ [%s] 持仓流连接失败，转为轮询同步并后台重连: %v", s.accountID, err)
	} else {
		s.touch()
		s.setState(model.StreamConnected, "")
		logger.Info("🚀 [%s] 持仓流已连接 (策略 %s, 品类 %s)", s.accountID, s.strategyID, s.category)
	}

	go s.run(loopCtx, stream)
	return nil
}

// run 会话主循环：消费事件，断开后重连
func (s *Session) run(ctx context.Context, stream gateway.PositionStream) {
	defer close(s.done)

	for {
		if stream == nil {
			var err error
			stream, err = s.reconnect(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.setState(model.StreamError, err.Error())
					logger.Error("❌ [%s] 持仓流重连遇到永久错误，停止重试: %v", s.accountID, err)
				}
				return
			}
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.touch()
			s.setState(model.StreamConnected, "")
			logger.Info("✅ [%s] 持仓流已重连，执行恢复同步", s.accountID)
			s.sync(ctx, "recovery")
		}

		err := s.consume(ctx, stream)
		_ = stream.Close()
		stream = nil
		if ctx.Err() != nil {
			return
		}
		if gateway.IsPermanent(err) {
			s.setState(model.StreamError, err.Error())
			logger.Error("❌ [%s] 持仓流被上游拒绝: %v", s.accountID, err)
			return
		}
		s.setState(model.StreamDegraded, err.Error())
		logger.Warn("⚠️ [%s] 持仓流中断: %v", s.accountID, err)
	}
}

// consume 消费事件直到流结束、心跳超时或 ctx 取消
func (s *Session) consume(ctx context.Context, stream gateway.PositionStream) error {
	heartbeat := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-stream.Events():
			s.touch()
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(s.cfg.HeartbeatTimeout)
			s.handle(ctx, ev)
		case <-stream.Done():
			// 已缓冲的事件先处理完
			for drained := false; !drained; {
				select {
				case ev := <-stream.Events():
					s.touch()
					s.handle(ctx, ev)
				default:
					drained = true
				}
			}
			if err := stream.Err(); err != nil {
				return err
			}
			return ErrStreamEnded
		case <-heartbeat.C:
			return ErrHeartbeatTimeout
		}
	}
}

func (s *Session) handle(ctx context.Context, ev gateway.PositionEvent) {
	s.pm.RecordStreamEvent(s.accountID, string(ev.Type))
	if ev.Type == gateway.EventHeartbeat {
		return
	}
	// 处理中的事件不受停止影响
	if err := s.handler.HandleEvent(context.WithoutCancel(ctx), s.accountID, s.category, ev); err != nil {
		logger.Warn("⚠️ [%s] 处理 %s 事件失败 (持仓 %s): %v", s.accountID, ev.Type, ev.Position.PositionID, err)
	}
}

// reconnect 指数退避重连，等待期间按间隔执行全量同步
func (s *Session) reconnect(ctx context.Context) (gateway.PositionStream, error) {
	b := &backoff.Backoff{
		Min:    s.cfg.ReconnectMinDelay,
		Max:    s.cfg.ReconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}
	poll := time.NewTicker(s.cfg.DegradedPollInterval)
	defer poll.Stop()

	s.sync(ctx, "degraded")
	for {
		wait := b.Duration()
		logger.Debug("🔄 [%s] %v 后重连持仓流 (第 %.0f 次)", s.accountID, wait, b.Attempt())
		timer := time.NewTimer(wait)
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-poll.C:
				s.sync(ctx, "degraded")
			case <-timer.C:
				break waiting
			}
		}

		stream, err := s.opener.OpenPositionStream(ctx, s.accountID, s.strategyID)
		if err == nil {
			s.pm.RecordReconnect(s.accountID, true)
			return stream, nil
		}
		s.pm.RecordReconnect(s.accountID, false)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if gateway.IsPermanent(err) {
			return nil, err
		}
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		logger.Warn("⚠️ [%s] 持仓流重连失败: %v", s.accountID, err)
	}
}

func (s *Session) sync(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	s.pm.RecordSyncRun(s.accountID, trigger)
	if err := s.handler.SyncFromPositions(context.WithoutCancel(ctx), s.accountID, s.category); err != nil {
		logger.Warn("⚠️ [%s] %s 全量同步失败: %v", s.accountID, trigger, err)
	}
}

func (s *Session) touch() {
	now := s.now()
	s.mu.Lock()
	s.lastEventAt = &now
	s.mu.Unlock()
}

func (s *Session) setState(state model.StreamState, errMsg string) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.lastErr = errMsg
	s.mu.Unlock()

	s.pm.SetStreamingState(s.accountID, stateCode(state))
	if prev == state {
		return
	}
	entry := &event.Entry{
		Type:      event.EntryStreamingState,
		Message:   fmt.Sprintf("持仓流状态 %s -> %s", prev, state),
		AccountID: s.accountID,
		Error:     errMsg,
	}
	s.bus.Publish(entry.WithSuccess(state != model.StreamError))
}

// Stop 停止会话，可重复调用。等待循环退出后返回。
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
		s.setState(model.StreamStopped, "")
		logger.Info("🛑 [%s] 持仓流已停止", s.accountID)
	})
}

// Done 会话循环退出时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status 会话状态快照
func (s *Session) Status() model.StreamingSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := model.StreamingSession{
		AccountID:   s.accountID,
		StrategyID:  s.strategyID,
		Category:    s.category,
		State:       s.state,
		IsConnected: s.state == model.StreamConnected,
		StartedAt:   s.startedAt,
		Reconnects:  s.reconnects,
		Error:       s.lastErr,
	}
	if s.lastEventAt != nil {
		t := *s.lastEventAt
		st.LastEventAt = &t
	}
	return st
}

// State 当前状态
func (s *Session) State() model.StreamState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
