package copysync

import (
	"context"
	"fmt"
	"time"

	"copymesh/cache"
	"copymesh/database"
	"copymesh/event"
	"copymesh/gateway"
	"copymesh/ledger"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/model"
	"copymesh/reconciler"
	"copymesh/safety"
	"copymesh/streaming"
)

// Options 服务参数
type Options struct {
	CloseDebounce  int
	ErrorThreshold int
	Streaming      streaming.Config
	Risk           safety.GovernorConfig
	Batch          gateway.BatchOptions
}

// Service 跟单同步与风控核心的对外入口
type Service struct {
	store  database.DocumentStore
	locker lock.DistributedLock
	gw     *gateway.Gateway
	stats  *cache.StatsCache
	bus    event.Publisher
	pm     *metrics.PrometheusMetrics
	batch  gateway.BatchOptions
	recon  *reconciler.Reconciler
	writer *ledger.Writer

	tracker  *safety.ErrorTracker
	governor *safety.Governor
	streams  *streaming.Manager

	now func() time.Time
}

// New 组装服务：错误跟踪器挂到网关上，网关作为断开实现注入跟踪器
func New(store database.DocumentStore, gw *gateway.Gateway, stats *cache.StatsCache,
	locker lock.DistributedLock, bus event.Publisher, opts Options) *Service {

	if bus == nil {
		bus = event.Discard{}
	}
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	if opts.Batch.Size <= 0 {
		opts.Batch = gateway.DefaultBatchOptions
	}
	if opts.Risk.BatchSize <= 0 {
		opts.Risk.BatchSize = opts.Batch.Size
		opts.Risk.BatchDelay = opts.Batch.Delay
	}

	tracker := safety.NewErrorTracker(store, locker, bus, opts.ErrorThreshold)
	tracker.SetDisconnector(gw)
	gw.SetTracker(tracker)

	s := &Service{
		store:    store,
		locker:   locker,
		gw:       gw,
		stats:    stats,
		bus:      bus,
		pm:       metrics.GetPrometheusMetrics(),
		batch:    opts.Batch,
		recon:    reconciler.New(opts.CloseDebounce),
		writer:   ledger.NewWriter(store, locker, bus),
		tracker:  tracker,
		governor: safety.NewGovernor(store, gw, stats, locker, bus, opts.Risk),
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.streams = streaming.NewManager(gw, streamHandler{s}, bus, opts.Streaming)
	return s
}

// Tracker 错误跟踪器
func (s *Service) Tracker() *safety.ErrorTracker { return s.tracker }

// Governor 风控器
func (s *Service) Governor() *safety.Governor { return s.governor }

// Streams 流会话管理器
func (s *Service) Streams() *streaming.Manager { return s.streams }

// Shutdown 停止所有流会话并等待进行中的自动断开
func (s *Service) Shutdown() {
	s.streams.StopAll()
	s.tracker.Wait()
}

// StartResult 启动流会话的结果
type StartResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Session model.StreamingSession `json:"session"`
}

// StartStreaming 启动主账户的持仓流
func (s *Service) StartStreaming(ctx context.Context, accountID, strategyID, category string) StartResult {
	st, err := s.streams.Start(ctx, accountID, strategyID, category)
	if err != nil {
		return StartResult{Success: false, Error: err.Error(), Session: st}
	}
	return StartResult{Success: true, Session: st}
}

// StopResult 停止流会话的结果
type StopResult struct {
	Success    bool `json:"success"`
	WasRunning bool `json:"wasRunning"`
}

// StopStreaming 停止主账户的持仓流，未运行时同样返回成功
func (s *Service) StopStreaming(accountID string) StopResult {
	return StopResult{Success: true, WasRunning: s.streams.Stop(accountID)}
}

// GetStreamingStatus 查询会话状态
func (s *Service) GetStreamingStatus(accountID string) model.StreamingSession {
	return s.streams.Status(accountID)
}

// ListStreaming 所有会话状态
func (s *Service) ListStreaming() []model.StreamingSession {
	return s.streams.List()
}

// SyncResult 全量对账结果
type SyncResult struct {
	Success        bool     `json:"success"`
	SignalsCreated int      `json:"signalsCreated"`
	SignalsUpdated int      `json:"signalsUpdated"`
	SignalsClosed  int      `json:"signalsClosed"`
	SignalsSkipped int      `json:"signalsSkipped"`
	PendingClose   int      `json:"pendingClose"`
	Errors         []string `json:"errors"`
}

// SyncFromPositions 拉取当前持仓快照并与账本对账，可由定时任务或手动触发
func (s *Service) SyncFromPositions(ctx context.Context, accountID, category string) SyncResult {
	s.pm.RecordSyncRun(accountID, "manual")
	return s.sync(ctx, accountID, category)
}

// syncLockTTL 全量对账的账户锁时长，执行期间自动续期
const syncLockTTL = 30 * time.Second

// sync 手动、降级轮询和重连恢复的对账按账户串行
func (s *Service) sync(ctx context.Context, accountID, category string) SyncResult {
	var res SyncResult
	err := lock.WithLock(ctx, s.locker, "sync:"+accountID, syncLockTTL, func() error {
		res = s.syncLocked(ctx, accountID, category)
		return nil
	})
	if err != nil {
		return SyncResult{Errors: []string{fmt.Sprintf("获取对账锁失败: %v", err)}}
	}
	return res
}

func (s *Service) syncLocked(ctx context.Context, accountID, category string) SyncResult {
	res := SyncResult{Errors: make([]string, 0)}
	if category == "" {
		category = "forex"
	}

	// 先读账本再取快照：快照之后由流事件新建的信号不在 open 中，不会被旧快照平仓
	open, err := s.writer.OpenSignals(ctx, accountID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("读取未关闭信号失败: %v", err))
		return res
	}

	positions, err := s.gw.GetOpenPositions(ctx, accountID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("获取持仓失败: %v", err))
		return res
	}
	s.stats.SetPositions(ctx, model.PositionsSnapshot{AccountID: accountID, Positions: positions, FetchedAt: s.now()})

	plan := s.recon.Diff(accountID, category, positions, open)
	sum := s.writer.ApplyAll(ctx, plan.Intents())

	res.Success = len(sum.Errors) == 0
	res.SignalsCreated = sum.Created
	res.SignalsUpdated = sum.Updated
	res.SignalsClosed = sum.Closed
	res.SignalsSkipped = sum.Skipped
	res.PendingClose = len(plan.PendingClose)
	res.Errors = append(res.Errors, sum.Errors...)

	if !plan.Empty() {
		logger.Info("✅ [%s] 对账完成: 新建 %d, 更新 %d, 平仓 %d, 待确认平仓 %d",
			accountID, res.SignalsCreated, res.SignalsUpdated, res.SignalsClosed, res.PendingClose)
	}
	return res
}

// handleEvent 单个流事件转为意图并立即写入账本
func (s *Service) handleEvent(ctx context.Context, accountID, category string, ev gateway.PositionEvent) error {
	positionID := ev.Position.PositionID
	if positionID == "" {
		return nil
	}
	existing, err := s.writer.OpenSignal(ctx, accountID, positionID)
	if err != nil {
		return err
	}
	// 流上出现过的持仓重新计算缺席次数
	s.recon.Absence().Reset(accountID, positionID)
	s.stats.Positions.Delete(ctx, accountID)

	in, ok := reconciler.FromEvent(accountID, category, ev, existing)
	if !ok {
		return nil
	}
	_, err = s.writer.Apply(ctx, in)
	return err
}

// streamHandler 把服务适配为流会话的处理器
type streamHandler struct {
	s *Service
}

func (h streamHandler) HandleEvent(ctx context.Context, accountID, category string, ev gateway.PositionEvent) error {
	return h.s.handleEvent(ctx, accountID, category, ev)
}

func (h streamHandler) SyncFromPositions(ctx context.Context, accountID, category string) error {
	res := h.s.sync(ctx, accountID, category)
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d errors, first: %s", len(res.Errors), res.Errors[0])
	}
	return nil
}

// ListSignals 按账户和状态列出信号
func (s *Service) ListSignals(ctx context.Context, accountID string, status model.SignalStatus) ([]model.Signal, error) {
	return s.writer.ListSignals(ctx, accountID, status)
}

// EvaluateRisk 评估暂停或恢复
func (s *Service) EvaluateRisk(ctx context.Context, userID, accountID string, action safety.Action) (*safety.RiskDecision, error) {
	return s.governor.EvaluateRisk(ctx, userID, accountID, action)
}

// GetRiskStatus 当前回撤和阈值
func (s *Service) GetRiskStatus(ctx context.Context, userID, accountID string) (*safety.RiskStatus, error) {
	return s.governor.GetRiskStatus(ctx, userID, accountID)
}

// BatchEvaluateRisk 批量评估
func (s *Service) BatchEvaluateRisk(ctx context.Context, userID string, accountIDs []string, action safety.Action) []safety.BatchItem {
	return s.governor.BatchEvaluate(ctx, userID, accountIDs, action)
}

// GetErrorRecord 账户的连续失败记录
func (s *Service) GetErrorRecord(ctx context.Context, accountID string) (*model.ErrorRecord, error) {
	return s.tracker.Get(ctx, accountID)
}
