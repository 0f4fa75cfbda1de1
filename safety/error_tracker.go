package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"copymesh/database"
	"copymesh/event"
	"copymesh/lock"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/model"
)

// DefaultErrorThreshold 默认连续失败阈值
const DefaultErrorThreshold = 5

// Disconnector 断开跟单订阅（由网关实现）
type Disconnector interface {
	Unsubscribe(ctx context.Context, accountID string) error
}

// ErrorTracker 按账户累计连续失败次数，达到阈值时自动断开跟单账户。
// 同一账户的读改写经由账户锁串行，多节点共享存储时同样成立
type ErrorTracker struct {
	store  database.DocumentStore
	locker lock.DistributedLock
	bus    event.Publisher
	pm     *metrics.PrometheusMetrics

	mu           sync.Mutex
	threshold    int
	disconnector Disconnector
	inFlight     map[string]bool

	wg              sync.WaitGroup
	lockTTL         time.Duration
	disconnectLimit time.Duration
	now             func() time.Time
}

// NewErrorTracker locker 为 nil 时使用进程内锁
func NewErrorTracker(store database.DocumentStore, locker lock.DistributedLock, bus event.Publisher, threshold int) *ErrorTracker {
	if bus == nil {
		bus = event.Discard{}
	}
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	if threshold <= 0 {
		threshold = DefaultErrorThreshold
	}
	return &ErrorTracker{
		store:           store,
		locker:          locker,
		bus:             bus,
		pm:              metrics.GetPrometheusMetrics(),
		threshold:       threshold,
		inFlight:        make(map[string]bool),
		lockTTL:         10 * time.Second,
		disconnectLimit: 30 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func errorLockKey(accountID string) string {
	return "errors:" + accountID
}

// SetDisconnector 注入断开实现（网关依赖跟踪器，构造后再注入）
func (t *ErrorTracker) SetDisconnector(d Disconnector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnector = d
}

// SetThreshold 热更新阈值
func (t *ErrorTracker) SetThreshold(threshold int) {
	if threshold <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.threshold != threshold {
		logger.Info("🔄 连续失败阈值: %d -> %d", t.threshold, threshold)
	}
	t.threshold = threshold
}

// Threshold 当前阈值
func (t *ErrorTracker) Threshold() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threshold
}

// Get 读取账户的错误记录，不存在时返回零值记录
func (t *ErrorTracker) Get(ctx context.Context, accountID string) (*model.ErrorRecord, error) {
	rec := &model.ErrorRecord{AccountID: accountID}
	err := t.store.Get(ctx, database.CollectionErrors, accountID, rec)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, errors.Wrap(err, "load error record")
	}
	return rec, nil
}

// TrackError 记录一次失败。计数恰好到达阈值时触发一次断开。
func (t *ErrorTracker) TrackError(ctx context.Context, userID, accountID, message string) {
	if accountID == "" {
		return
	}

	var rec *model.ErrorRecord
	err := lock.WithLock(ctx, t.locker, errorLockKey(accountID), t.lockTTL, func() error {
		var err error
		if rec, err = t.Get(ctx, accountID); err != nil {
			return err
		}
		now := t.now()
		rec.ConsecutiveFailures++
		rec.LastError = message
		rec.LastErrorAt = &now
		if userID != "" {
			rec.UserID = userID
		}
		return errors.Wrap(t.store.Set(ctx, database.CollectionErrors, accountID, rec), "save error record")
	})
	if err != nil {
		logger.Warn("⚠️ [%s] 记录失败次数失败: %v", accountID, err)
		return
	}

	t.mu.Lock()
	fire := rec.ConsecutiveFailures == t.threshold && !t.inFlight[accountID]
	if fire {
		t.inFlight[accountID] = true
	}
	disconnector := t.disconnector
	t.mu.Unlock()

	t.pm.SetConsecutiveFailures(accountID, rec.ConsecutiveFailures)
	logger.Debug("⚠️ [%s] 连续失败 %d 次: %s", accountID, rec.ConsecutiveFailures, message)

	if !fire {
		return
	}

	// 断开会再次经过网关，必须异步执行
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.inFlight, accountID)
			t.mu.Unlock()
		}()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.disconnectLimit)
		defer cancel()
		t.disconnect(dctx, disconnector, rec)
	}()
}

// TrackSuccess 成功调用后清零计数，已为 0 时不写存储
func (t *ErrorTracker) TrackSuccess(ctx context.Context, accountID string) {
	if accountID == "" {
		return
	}
	var reset bool
	err := lock.WithLock(ctx, t.locker, errorLockKey(accountID), t.lockTTL, func() error {
		rec, err := t.Get(ctx, accountID)
		if err != nil || rec.ConsecutiveFailures == 0 {
			return err
		}
		reset = true
		return errors.Wrap(t.store.Update(ctx, database.CollectionErrors, accountID, map[string]interface{}{
			"consecutiveFailures": 0,
		}), "reset error record")
	})
	if err != nil {
		logger.Warn("⚠️ [%s] 重置错误计数失败: %v", accountID, err)
		return
	}
	if reset {
		t.pm.SetConsecutiveFailures(accountID, 0)
		logger.Debug("✅ [%s] 调用恢复，连续失败计数已清零", accountID)
	}
}

// Wait 等待进行中的自动断开完成
func (t *ErrorTracker) Wait() {
	t.wg.Wait()
}

// disconnect 尽力断开：失败只记录，不重试
func (t *ErrorTracker) disconnect(ctx context.Context, d Disconnector, rec *model.ErrorRecord) {
	accountID := rec.AccountID
	if d == nil {
		logger.Error("❌ [%s] 未配置断开实现，无法自动断开", accountID)
		t.pm.RecordAutoDisconnect(false)
		return
	}

	// 只断开仍处于连接状态的跟单账户，主账户等没有跟单记录的账户跳过
	var acc model.CopyTradingAccount
	err := t.store.Get(ctx, database.CollectionAccounts, accountID, &acc)
	if errors.Is(err, database.ErrNotFound) {
		logger.Warn("⚠️ [%s] 连续失败 %d 次，但不是跟单账户，跳过自动断开", accountID, rec.ConsecutiveFailures)
		return
	}
	if err != nil {
		t.pm.RecordAutoDisconnect(false)
		logger.Error("❌ [%s] 读取跟单账户失败，未自动断开: %v", accountID, err)
		return
	}
	if acc.Status == model.AccountDisconnected {
		logger.Debug("[%s] 账户已断开，跳过自动断开", accountID)
		return
	}
	logger.Warn("🛑 [%s] 连续失败 %d 次，触发自动断开", accountID, rec.ConsecutiveFailures)

	if err := d.Unsubscribe(ctx, accountID); err != nil {
		t.pm.RecordAutoDisconnect(false)
		logger.Error("❌ [%s] 自动断开失败: %v", accountID, err)
		t.bus.Publish((&event.Entry{
			Type:      event.EntryError,
			Message:   "自动断开失败",
			AccountID: accountID,
			Error:     err.Error(),
		}).WithSuccess(false))
		return
	}

	now := t.now()
	err = t.store.Update(ctx, database.CollectionAccounts, accountID, map[string]interface{}{
		"status":         model.AccountDisconnected,
		"disconnectedAt": now,
	})
	if err != nil {
		logger.Warn("⚠️ [%s] 更新账户状态失败: %v", accountID, err)
	}
	err = lock.WithLock(ctx, t.locker, errorLockKey(accountID), t.lockTTL, func() error {
		return t.store.Update(ctx, database.CollectionErrors, accountID, map[string]interface{}{
			"disconnectedAt": now,
		})
	})
	if err != nil {
		logger.Warn("⚠️ [%s] 更新错误记录失败: %v", accountID, err)
	}

	t.pm.RecordAutoDisconnect(true)
	logger.Warn("🛑 [%s] 已自动断开跟单 (连续失败 %d 次，最后错误: %s)", accountID, rec.ConsecutiveFailures, rec.LastError)
	t.bus.Publish((&event.Entry{
		Type:      event.EntryAccountDisconnected,
		Message:   fmt.Sprintf("连续失败 %d 次，已自动断开: %s", rec.ConsecutiveFailures, rec.LastError),
		AccountID: accountID,
	}).WithSuccess(true))
}
