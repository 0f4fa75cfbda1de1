package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"copymesh/database"
	"copymesh/event"
	"copymesh/gateway"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/model"
	"copymesh/utils"
)

// Action 风控动作
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
)

// 未执行动作的原因
const (
	ReasonAutoPauseDisabled  = "auto_pause_disabled"
	ReasonAutoResumeDisabled = "auto_resume_disabled"
	ReasonBelowThreshold     = "below_threshold"
	ReasonAboveResume        = "above_resume_threshold"
	ReasonAlreadyPaused      = "already_paused"
	ReasonNotPaused          = "not_paused"
	ReasonManualPause        = "manual_pause"
	ReasonDisconnected       = "disconnected"
	ReasonInvalidBalance     = "invalid_balance"
	ReasonGatewayError       = "gateway_error"
)

// ErrInvalidBalance 余额不大于 0，无法计算回撤
var ErrInvalidBalance = errors.New("balance must be positive")

// ConfigError 配置错误，在任何副作用之前拒绝
type ConfigError struct {
	AccountID string
	Msg       string
}

func (e *ConfigError) Error() string {
	if e.AccountID == "" {
		return "invalid risk config: " + e.Msg
	}
	return fmt.Sprintf("invalid risk config for %s: %s", e.AccountID, e.Msg)
}

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidateThresholds 校验回撤阈值，恢复阈值必须严格小于暂停阈值
func ValidateThresholds(maxDrawdown, resumeDrawdown float64) error {
	if maxDrawdown <= 0 || maxDrawdown > 100 {
		return &ConfigError{Msg: fmt.Sprintf("maxDrawdownPercent %.2f 必须在 (0, 100] 之间", maxDrawdown)}
	}
	if resumeDrawdown < 0 {
		return &ConfigError{Msg: fmt.Sprintf("resumeDrawdownPercent %.2f 不能为负", resumeDrawdown)}
	}
	if resumeDrawdown >= maxDrawdown {
		return &ConfigError{Msg: fmt.Sprintf("resumeDrawdownPercent %.2f 必须小于 maxDrawdownPercent %.2f", resumeDrawdown, maxDrawdown)}
	}
	return nil
}

// Drawdown 计算回撤百分比 (balance - equity) / balance * 100
func Drawdown(balance, equity float64) (float64, error) {
	if balance <= 0 {
		return 0, ErrInvalidBalance
	}
	b := decimal.NewFromFloat(balance)
	dd := b.Sub(decimal.NewFromFloat(equity)).Div(b).Mul(decimal.NewFromInt(100)).Round(4)
	return dd.InexactFloat64(), nil
}

// ShouldPause 是否应暂停
func ShouldPause(acc *model.CopyTradingAccount, drawdown float64) bool {
	return acc.AutoPauseEnabled && drawdown >= acc.MaxDrawdownPercent
}

// ShouldResume 是否应恢复，只恢复由风控自动暂停的账户
func ShouldResume(acc *model.CopyTradingAccount, drawdown float64) bool {
	return acc.AutoResumeEnabled &&
		acc.Status == model.AccountPaused &&
		acc.AutoPausedAt != nil &&
		drawdown <= acc.ResumeDrawdownPercent
}

// RiskDecision 风控评估结果，Success 表示动作已执行
type RiskDecision struct {
	AccountID string  `json:"accountId"`
	Action    Action  `json:"action"`
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	Reason    string  `json:"reason,omitempty"`
	Drawdown  float64 `json:"drawdown"`
}

// RiskStatus 当前风控状态
type RiskStatus struct {
	AccountID        string              `json:"accountId"`
	Status           model.AccountStatus `json:"status"`
	Drawdown         float64             `json:"drawdown"`
	Threshold        float64             `json:"threshold"`
	ExceedsThreshold bool                `json:"exceedsThreshold"`
	ResumeThreshold  float64             `json:"resumeThreshold"`
	FetchedAt        time.Time           `json:"fetchedAt"`
}

// AccountGateway 风控需要的网关操作
type AccountGateway interface {
	GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error)
	UpdateStrategy(ctx context.Context, req gateway.StrategyUpdate) error
}

// StatsCache 统计快照缓存
type StatsCache interface {
	GetStats(ctx context.Context, accountID string) (model.AccountStatsSnapshot, bool)
	SetStats(ctx context.Context, snapshot model.AccountStatsSnapshot)
}

// GovernorConfig 风控参数
type GovernorConfig struct {
	DefaultMaxDrawdown    float64
	DefaultResumeDrawdown float64
	Interval              time.Duration
	BatchSize             int
	BatchDelay            time.Duration
	LockTTL               time.Duration
}

// Governor 按账户执行回撤暂停/恢复
type Governor struct {
	store  database.DocumentStore
	gw     AccountGateway
	stats  StatsCache
	locker lock.DistributedLock
	bus    event.Publisher
	pm     *metrics.PrometheusMetrics

	mu  sync.RWMutex
	cfg GovernorConfig

	now func() time.Time
}

// NewGovernor 创建风控器
func NewGovernor(store database.DocumentStore, gw AccountGateway, stats StatsCache,
	locker lock.DistributedLock, bus event.Publisher, cfg GovernorConfig) *Governor {

	if bus == nil {
		bus = event.Discard{}
	}
	return &Governor{
		store:  store,
		gw:     gw,
		stats:  stats,
		locker: locker,
		bus:    bus,
		pm:     metrics.GetPrometheusMetrics(),
		cfg:    normalizeConfig(cfg),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func normalizeConfig(cfg GovernorConfig) GovernorConfig {
	if cfg.DefaultMaxDrawdown <= 0 {
		cfg.DefaultMaxDrawdown = 20
	}
	if cfg.DefaultResumeDrawdown <= 0 {
		cfg.DefaultResumeDrawdown = 15
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return cfg
}

// UpdateConfig 热更新默认阈值
func (g *Governor) UpdateConfig(cfg GovernorConfig) error {
	cfg = normalizeConfig(cfg)
	if err := ValidateThresholds(cfg.DefaultMaxDrawdown, cfg.DefaultResumeDrawdown); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	return nil
}

func (g *Governor) config() GovernorConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func riskLockKey(accountID string) string {
	return "risk:" + accountID
}

// loadAccount 读取账户并补全默认阈值
func (g *Governor) loadAccount(ctx context.Context, userID, accountID string) (*model.CopyTradingAccount, error) {
	var acc model.CopyTradingAccount
	if err := g.store.Get(ctx, database.CollectionAccounts, accountID, &acc); err != nil {
		return nil, errors.Wrapf(err, "load account %s", accountID)
	}
	if userID != "" && acc.UserID != "" && acc.UserID != userID {
		return nil, errors.Wrapf(database.ErrNotFound, "account %s does not belong to user %s", accountID, userID)
	}
	cfg := g.config()
	if acc.MaxDrawdownPercent <= 0 {
		acc.MaxDrawdownPercent = cfg.DefaultMaxDrawdown
	}
	if acc.ResumeDrawdownPercent <= 0 {
		acc.ResumeDrawdownPercent = cfg.DefaultResumeDrawdown
	}
	if err := ValidateThresholds(acc.MaxDrawdownPercent, acc.ResumeDrawdownPercent); err != nil {
		ce := err.(*ConfigError)
		ce.AccountID = accountID
		return nil, ce
	}
	return &acc, nil
}

// EvaluateRisk 评估并执行暂停或恢复。
// 配置错误和账户不存在返回 error；上游失败、未达到条件返回 Success=false 的结果。
func (g *Governor) EvaluateRisk(ctx context.Context, userID, accountID string, action Action) (*RiskDecision, error) {
	if action != ActionPause && action != ActionResume {
		return nil, &ConfigError{AccountID: accountID, Msg: fmt.Sprintf("unknown action %q", action)}
	}
	// 锁外先校验一次，配置错误不产生任何副作用
	if _, err := g.loadAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}

	var decision *RiskDecision
	err := lock.WithLock(ctx, g.locker, riskLockKey(accountID), g.config().LockTTL, func() error {
		acc, err := g.loadAccount(ctx, userID, accountID)
		if err != nil {
			return err
		}
		decision = g.evaluate(context.WithoutCancel(ctx), acc, action)
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "skipped"
	if decision.Success {
		outcome = "applied"
	} else if decision.Reason == ReasonGatewayError {
		outcome = "error"
	}
	g.pm.RecordRiskAction(string(action), outcome)
	return decision, nil
}

func (g *Governor) evaluate(ctx context.Context, acc *model.CopyTradingAccount, action Action) *RiskDecision {
	d := &RiskDecision{AccountID: acc.AccountID, Action: action}

	if acc.Status == model.AccountDisconnected {
		d.Reason, d.Message = ReasonDisconnected, "账户已断开"
		return d
	}
	switch action {
	case ActionPause:
		if !acc.AutoPauseEnabled {
			d.Reason, d.Message = ReasonAutoPauseDisabled, "未开启自动暂停"
			return d
		}
		if acc.Status == model.AccountPaused {
			d.Reason, d.Message = ReasonAlreadyPaused, "账户已暂停"
			return d
		}
	case ActionResume:
		if !acc.AutoResumeEnabled {
			d.Reason, d.Message = ReasonAutoResumeDisabled, "未开启自动恢复"
			return d
		}
		if acc.Status != model.AccountPaused {
			d.Reason, d.Message = ReasonNotPaused, "账户未暂停"
			return d
		}
		if acc.AutoPausedAt == nil {
			d.Reason, d.Message = ReasonManualPause, "账户为手动暂停，不自动恢复"
			return d
		}
	}

	// 不可逆动作之前必须重新读取
	info, err := g.gw.GetAccountInfo(ctx, acc.AccountID)
	if err != nil {
		d.Reason, d.Message = ReasonGatewayError, fmt.Sprintf("获取账户信息失败: %v", err)
		logger.Warn("⚠️ [%s] 风控评估获取账户信息失败: %v", acc.AccountID, err)
		return d
	}
	g.stats.SetStats(ctx, model.SnapshotFromInfo(info, g.now()))

	drawdown, err := Drawdown(info.Balance, info.Equity)
	if err != nil {
		d.Reason, d.Message = ReasonInvalidBalance, fmt.Sprintf("余额 %.2f 无效，无法计算回撤", info.Balance)
		return d
	}
	d.Drawdown = drawdown
	g.pm.SetDrawdown(acc.AccountID, drawdown)

	if action == ActionPause {
		g.pause(ctx, acc, d)
	} else {
		g.resume(ctx, acc, d)
	}
	return d
}

func (g *Governor) pause(ctx context.Context, acc *model.CopyTradingAccount, d *RiskDecision) {
	if !ShouldPause(acc, d.Drawdown) {
		d.Reason = ReasonBelowThreshold
		d.Message = fmt.Sprintf("回撤 %.2f%% 未达到暂停阈值 %.2f%%", d.Drawdown, acc.MaxDrawdownPercent)
		return
	}

	err := g.gw.UpdateStrategy(ctx, gateway.StrategyUpdate{
		AccountID:  acc.AccountID,
		StrategyID: acc.StrategyID,
		Mode:       gateway.ModeCloseOnly,
	})
	if err != nil {
		d.Reason, d.Message = ReasonGatewayError, fmt.Sprintf("暂停跟单失败: %v", err)
		logger.Error("❌ [%s] 暂停跟单失败: %v", acc.AccountID, err)
		return
	}

	reason := fmt.Sprintf("回撤 %.2f%% 达到阈值 %.2f%%", d.Drawdown, acc.MaxDrawdownPercent)
	err = g.store.Update(ctx, database.CollectionAccounts, acc.AccountID, map[string]interface{}{
		"status":          model.AccountPaused,
		"autoPausedAt":    g.now(),
		"autoPauseReason": reason,
	})
	if err != nil {
		// 上游已切换为只平仓，下次评估会看到 active 并再次尝试
		d.Reason, d.Message = ReasonGatewayError, fmt.Sprintf("保存暂停状态失败: %v", err)
		logger.Error("❌ [%s] 保存暂停状态失败: %v", acc.AccountID, err)
		return
	}

	d.Success, d.Reason = true, reason
	d.Message = "已自动暂停跟单 (只平仓)"
	logger.Warn("⏸️ [%s] %s，已暂停跟单", acc.AccountID, reason)
	g.bus.Publish((&event.Entry{
		Type:      event.EntryRiskPaused,
		Message:   reason + "，已暂停跟单",
		AccountID: acc.AccountID,
	}).WithSuccess(true))
}

func (g *Governor) resume(ctx context.Context, acc *model.CopyTradingAccount, d *RiskDecision) {
	if !ShouldResume(acc, d.Drawdown) {
		d.Reason = ReasonAboveResume
		d.Message = fmt.Sprintf("回撤 %.2f%% 高于恢复阈值 %.2f%%", d.Drawdown, acc.ResumeDrawdownPercent)
		return
	}

	err := g.gw.UpdateStrategy(ctx, gateway.StrategyUpdate{
		AccountID:  acc.AccountID,
		StrategyID: acc.StrategyID,
		Mode:       gateway.ModeFollow,
	})
	if err != nil {
		d.Reason, d.Message = ReasonGatewayError, fmt.Sprintf("恢复跟单失败: %v", err)
		logger.Error("❌ [%s] 恢复跟单失败: %v", acc.AccountID, err)
		return
	}

	err = g.store.Update(ctx, database.CollectionAccounts, acc.AccountID, map[string]interface{}{
		"status":          model.AccountActive,
		"autoPausedAt":    nil,
		"autoPauseReason": nil,
	})
	if err != nil {
		d.Reason, d.Message = ReasonGatewayError, fmt.Sprintf("保存恢复状态失败: %v", err)
		logger.Error("❌ [%s] 保存恢复状态失败: %v", acc.AccountID, err)
		return
	}

	d.Success = true
	d.Message = fmt.Sprintf("回撤恢复至 %.2f%%，已恢复跟单", d.Drawdown)
	logger.Info("▶️ [%s] %s", acc.AccountID, d.Message)
	g.bus.Publish((&event.Entry{
		Type:      event.EntryRiskResumed,
		Message:   d.Message,
		AccountID: acc.AccountID,
	}).WithSuccess(true))
}

// GetRiskStatus 查询风控状态，优先使用缓存的统计快照
func (g *Governor) GetRiskStatus(ctx context.Context, userID, accountID string) (*RiskStatus, error) {
	acc, err := g.loadAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	snap, ok := g.stats.GetStats(ctx, accountID)
	if !ok {
		info, err := g.gw.GetAccountInfo(ctx, accountID)
		if err != nil {
			return nil, err
		}
		snap = model.SnapshotFromInfo(info, g.now())
		g.stats.SetStats(ctx, snap)
	}

	drawdown, err := Drawdown(snap.Balance, snap.Equity)
	if err != nil {
		drawdown = 0
	}
	return &RiskStatus{
		AccountID:        accountID,
		Status:           acc.Status,
		Drawdown:         drawdown,
		Threshold:        acc.MaxDrawdownPercent,
		ExceedsThreshold: drawdown >= acc.MaxDrawdownPercent,
		ResumeThreshold:  acc.ResumeDrawdownPercent,
		FetchedAt:        snap.FetchedAt,
	}, nil
}

// BatchItem 批量评估中单个账户的结果
type BatchItem struct {
	AccountID string        `json:"accountId"`
	Status    string        `json:"status"`
	Decision  *RiskDecision `json:"decision,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// BatchEvaluate 分批评估多个账户，单个账户失败不影响其他账户
func (g *Governor) BatchEvaluate(ctx context.Context, userID string, accountIDs []string, action Action) []BatchItem {
	cfg := g.config()
	items := make([]BatchItem, len(accountIDs))
	err := utils.RunBatched(ctx, accountIDs, cfg.BatchSize, cfg.BatchDelay, func(ctx context.Context, i int, id string) {
		items[i] = g.batchItem(ctx, id, func() (*RiskDecision, error) {
			return g.EvaluateRisk(ctx, userID, id, action)
		})
	})
	if err != nil {
		markCanceled(items, accountIDs, err)
	}
	return items
}

func (g *Governor) batchItem(ctx context.Context, id string, fn func() (*RiskDecision, error)) BatchItem {
	d, err := fn()
	if err != nil {
		return BatchItem{AccountID: id, Status: "error", Error: err.Error()}
	}
	status := "ok"
	if d.Reason == ReasonGatewayError {
		status = "error"
	}
	return BatchItem{AccountID: id, Status: status, Decision: d}
}

func markCanceled(items []BatchItem, ids []string, err error) {
	for i := range items {
		if items[i].AccountID == "" {
			items[i] = BatchItem{AccountID: ids[i], Status: "error", Error: err.Error()}
		}
	}
}

// EvaluateAll 评估所有账户：active 检查暂停，自动暂停的账户检查恢复
func (g *Governor) EvaluateAll(ctx context.Context) []BatchItem {
	var accounts []model.CopyTradingAccount
	if err := g.store.Query(ctx, database.CollectionAccounts, database.Filter{}, &accounts); err != nil {
		logger.Error("❌ [风控] 读取账户列表失败: %v", err)
		return nil
	}

	ids := make([]string, 0, len(accounts))
	actions := make(map[string]Action, len(accounts))
	for _, acc := range accounts {
		switch {
		case acc.Status == model.AccountActive && acc.AutoPauseEnabled:
			actions[acc.AccountID] = ActionPause
		case acc.Status == model.AccountPaused && acc.AutoPausedAt != nil && acc.AutoResumeEnabled:
			actions[acc.AccountID] = ActionResume
		default:
			continue
		}
		ids = append(ids, acc.AccountID)
	}
	if len(ids) == 0 {
		return nil
	}

	cfg := g.config()
	items := make([]BatchItem, len(ids))
	err := utils.RunBatched(ctx, ids, cfg.BatchSize, cfg.BatchDelay, func(ctx context.Context, i int, id string) {
		items[i] = g.batchItem(ctx, id, func() (*RiskDecision, error) {
			return g.EvaluateRisk(ctx, "", id, actions[id])
		})
	})
	if err != nil {
		markCanceled(items, ids, err)
	}

	applied := 0
	for _, it := range items {
		if it.Decision != nil && it.Decision.Success {
			applied++
		}
	}
	logger.Info("🛡️ [风控] 评估 %d 个账户，执行 %d 个动作", len(ids), applied)
	return items
}

// Start 启动周期性自动评估
func (g *Governor) Start(ctx context.Context) {
	interval := g.config().Interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("⏹️ 风控自动评估协程已停止")
				return
			case <-ticker.C:
				g.EvaluateAll(ctx)
			}
		}
	}()
	logger.Info("✅ 风控自动评估已启动 (间隔: %v)", interval)
}
