package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copymesh/cache"
	"copymesh/database"
	"copymesh/event"
	"copymesh/gateway"
	"copymesh/lock"
	"copymesh/model"
)

// fakeGateway 模拟上游账户信息和订阅更新
type fakeGateway struct {
	mu        sync.Mutex
	infos     map[string]*model.AccountInfo
	infoErr   error
	updateErr error
	updates   []gateway.StrategyUpdate
	infoCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{infos: make(map[string]*model.AccountInfo)}
}

func (f *fakeGateway) setEquity(accountID string, balance, equity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[accountID] = &model.AccountInfo{AccountID: accountID, Balance: balance, Equity: equity}
}

func (f *fakeGateway) GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info, ok := f.infos[accountID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *fakeGateway) UpdateStrategy(ctx context.Context, req gateway.StrategyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeGateway) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// recordingBus 记录发布的条目类型
type recordingBus struct {
	mu    sync.Mutex
	types []event.EntryType
}

func (b *recordingBus) Publish(e *event.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, e.Type)
}

func (b *recordingBus) count(t event.EntryType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, got := range b.types {
		if got == t {
			n++
		}
	}
	return n
}

type governorFixture struct {
	gov   *Governor
	gw    *fakeGateway
	store database.DocumentStore
	stats *cache.StatsCache
	bus   *recordingBus
}

func newGovernorFixture(t *testing.T) *governorFixture {
	t.Helper()
	f := &governorFixture{
		gw:    newFakeGateway(),
		store: database.NewMemoryStore(),
		stats: cache.NewMemoryStatsCache(time.Minute),
		bus:   &recordingBus{},
	}
	f.gov = NewGovernor(f.store, f.gw, f.stats, lock.NewLocalLock(), f.bus, GovernorConfig{
		DefaultMaxDrawdown:    20,
		DefaultResumeDrawdown: 15,
	})
	return f
}

func (f *governorFixture) seedAccount(t *testing.T, acc model.CopyTradingAccount) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), database.CollectionAccounts, acc.AccountID, acc))
}

func (f *governorFixture) account(t *testing.T, id string) model.CopyTradingAccount {
	t.Helper()
	var acc model.CopyTradingAccount
	require.NoError(t, f.store.Get(context.Background(), database.CollectionAccounts, id, &acc))
	return acc
}

func autoAccount(id string) model.CopyTradingAccount {
	return model.CopyTradingAccount{
		AccountID:             id,
		UserID:                "u1",
		StrategyID:            "strat-1",
		Status:                model.AccountActive,
		AutoPauseEnabled:      true,
		AutoResumeEnabled:     true,
		MaxDrawdownPercent:    20,
		ResumeDrawdownPercent: 15,
	}
}

func TestDrawdown(t *testing.T) {
	tests := []struct {
		balance, equity float64
		want            float64
	}{
		{1000, 750, 25},
		{1000, 900, 10},
		{1000, 1000, 0},
		{1000, 1100, -10},
		{3, 2, 33.3333},
	}
	for _, tt := range tests {
		got, err := Drawdown(tt.balance, tt.equity)
		if err != nil {
			t.Fatalf("计算回撤失败: %v", err)
		}
		if got != tt.want {
			t.Errorf("Drawdown(%.0f, %.0f) = %v, 期望 %v", tt.balance, tt.equity, got, tt.want)
		}
	}

	if _, err := Drawdown(0, 100); err != ErrInvalidBalance {
		t.Errorf("余额为 0 应返回 ErrInvalidBalance, 得到 %v", err)
	}
}

func TestValidateThresholds(t *testing.T) {
	tests := []struct {
		name        string
		max, resume float64
		wantErr     bool
	}{
		{"正常", 20, 15, false},
		{"恢复阈值为 0", 20, 0, false},
		{"相等", 20, 20, true},
		{"恢复高于暂停", 10, 15, true},
		{"暂停阈值为 0", 0, 0, true},
		{"超过 100", 120, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateThresholds(tt.max, tt.resume)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateThresholds(%v, %v) err = %v, wantErr %v", tt.max, tt.resume, err, tt.wantErr)
			}
			if err != nil && !IsConfigError(err) {
				t.Errorf("应返回 ConfigError, 得到 %T", err)
			}
		})
	}
}

func TestPauseThenResumeScenario(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()
	f.seedAccount(t, autoAccount("acc1"))

	f.gw.setEquity("acc1", 1000, 750)
	d, err := f.gov.EvaluateRisk(ctx, "u1", "acc1", ActionPause)
	require.NoError(t, err)
	assert.True(t, d.Success, d.Message)
	assert.Equal(t, 25.0, d.Drawdown)

	acc := f.account(t, "acc1")
	assert.Equal(t, model.AccountPaused, acc.Status)
	require.NotNil(t, acc.AutoPausedAt)
	assert.NotEmpty(t, acc.AutoPauseReason)
	require.Equal(t, 1, f.gw.updateCount())
	assert.Equal(t, gateway.ModeCloseOnly, f.gw.updates[0].Mode)
	assert.Equal(t, "strat-1", f.gw.updates[0].StrategyID)

	f.gw.setEquity("acc1", 1000, 900)
	d, err = f.gov.EvaluateRisk(ctx, "u1", "acc1", ActionResume)
	require.NoError(t, err)
	assert.True(t, d.Success, d.Message)
	assert.Equal(t, 10.0, d.Drawdown)

	acc = f.account(t, "acc1")
	assert.Equal(t, model.AccountActive, acc.Status)
	assert.Nil(t, acc.AutoPausedAt)
	assert.Empty(t, acc.AutoPauseReason)
	require.Equal(t, 2, f.gw.updateCount())
	assert.Equal(t, gateway.ModeFollow, f.gw.updates[1].Mode)

	assert.Equal(t, 1, f.bus.count(event.EntryRiskPaused))
	assert.Equal(t, 1, f.bus.count(event.EntryRiskResumed))

	snap, ok := f.stats.GetStats(ctx, "acc1")
	require.True(t, ok, "评估后应刷新缓存")
	assert.Equal(t, 900.0, snap.Equity)
}

func TestNoFlappingBetweenThresholds(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()
	f.seedAccount(t, autoAccount("acc1"))

	// 回撤在 15 和 20 之间震荡，只有真正越过阈值才切换
	equities := []float64{790, 820, 780, 830, 810, 840, 860, 790, 780}
	toggles := 0
	last := model.AccountActive
	for _, eq := range equities {
		f.gw.setEquity("acc1", 1000, eq)
		_, err := f.gov.EvaluateRisk(ctx, "", "acc1", ActionPause)
		require.NoError(t, err)
		_, err = f.gov.EvaluateRisk(ctx, "", "acc1", ActionResume)
		require.NoError(t, err)

		status := f.account(t, "acc1").Status
		if status != last {
			toggles++
			last = status
		}
	}

	// 790(21%) 暂停；860(14%) 恢复；790 再次暂停
	assert.Equal(t, 3, toggles)
	assert.Equal(t, model.AccountPaused, last)
	assert.Equal(t, 2, f.bus.count(event.EntryRiskPaused))
	assert.Equal(t, 1, f.bus.count(event.EntryRiskResumed))
}

func TestResumeSkipsManualPause(t *testing.T) {
	f := newGovernorFixture(t)
	acc := autoAccount("acc1")
	acc.Status = model.AccountPaused
	f.seedAccount(t, acc)
	f.gw.setEquity("acc1", 1000, 1000)

	d, err := f.gov.EvaluateRisk(context.Background(), "", "acc1", ActionResume)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, ReasonManualPause, d.Reason)
	assert.Equal(t, 0, f.gw.updateCount())
	assert.Equal(t, 0, f.gw.infoCalls, "条件不满足时不读取上游")
}

func TestEvaluateRiskRejectsInvalidConfig(t *testing.T) {
	f := newGovernorFixture(t)
	acc := autoAccount("acc1")
	acc.MaxDrawdownPercent = 10
	acc.ResumeDrawdownPercent = 12
	f.seedAccount(t, acc)
	f.gw.setEquity("acc1", 1000, 500)

	_, err := f.gov.EvaluateRisk(context.Background(), "", "acc1", ActionPause)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, 0, f.gw.infoCalls)
	assert.Equal(t, 0, f.gw.updateCount())
	assert.Equal(t, model.AccountActive, f.account(t, "acc1").Status)

	_, err = f.gov.EvaluateRisk(context.Background(), "", "acc1", "stop")
	assert.True(t, IsConfigError(err), "未知动作是配置错误")
}

func TestEvaluateRiskUnknownAccountOrUser(t *testing.T) {
	f := newGovernorFixture(t)
	f.seedAccount(t, autoAccount("acc1"))

	_, err := f.gov.EvaluateRisk(context.Background(), "", "missing", ActionPause)
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = f.gov.EvaluateRisk(context.Background(), "other-user", "acc1", ActionPause)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestEvaluateRiskGatewayFailures(t *testing.T) {
	f := newGovernorFixture(t)
	f.seedAccount(t, autoAccount("acc1"))
	ctx := context.Background()

	f.gw.infoErr = gateway.ErrTimeout
	d, err := f.gov.EvaluateRisk(ctx, "", "acc1", ActionPause)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, ReasonGatewayError, d.Reason)

	f.gw.infoErr = nil
	f.gw.setEquity("acc1", 0, 0)
	d, err = f.gov.EvaluateRisk(ctx, "", "acc1", ActionPause)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidBalance, d.Reason)

	f.gw.setEquity("acc1", 1000, 500)
	f.gw.updateErr = gateway.ErrUpstream
	d, err = f.gov.EvaluateRisk(ctx, "", "acc1", ActionPause)
	require.NoError(t, err)
	assert.False(t, d.Success)
	assert.Equal(t, model.AccountActive, f.account(t, "acc1").Status, "上游失败时不修改账户状态")
}

func TestGetRiskStatusUsesCache(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()
	f.seedAccount(t, autoAccount("acc1"))
	f.stats.SetStats(ctx, model.AccountStatsSnapshot{AccountID: "acc1", Balance: 1000, Equity: 750, FetchedAt: time.Now()})

	st, err := f.gov.GetRiskStatus(ctx, "u1", "acc1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, st.Drawdown)
	assert.Equal(t, 20.0, st.Threshold)
	assert.Equal(t, 15.0, st.ResumeThreshold)
	assert.True(t, st.ExceedsThreshold)
	assert.Equal(t, 0, f.gw.infoCalls)

	f.stats.Invalidate(ctx, "acc1")
	f.gw.setEquity("acc1", 1000, 950)
	st, err = f.gov.GetRiskStatus(ctx, "u1", "acc1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, st.Drawdown)
	assert.False(t, st.ExceedsThreshold)
	assert.Equal(t, 1, f.gw.infoCalls)
}

func TestDefaultThresholdsApplied(t *testing.T) {
	f := newGovernorFixture(t)
	acc := autoAccount("acc1")
	acc.MaxDrawdownPercent = 0
	acc.ResumeDrawdownPercent = 0
	f.seedAccount(t, acc)
	f.stats.SetStats(context.Background(), model.AccountStatsSnapshot{AccountID: "acc1", Balance: 100, Equity: 100})

	st, err := f.gov.GetRiskStatus(context.Background(), "", "acc1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, st.Threshold)
	assert.Equal(t, 15.0, st.ResumeThreshold)
}

func TestBatchAndEvaluateAll(t *testing.T) {
	f := newGovernorFixture(t)
	ctx := context.Background()

	f.seedAccount(t, autoAccount("a1"))
	f.seedAccount(t, autoAccount("a2"))
	paused := autoAccount("a3")
	paused.Status = model.AccountPaused
	now := time.Now().UTC()
	paused.AutoPausedAt = &now
	f.seedAccount(t, paused)
	manual := autoAccount("a4")
	manual.AutoPauseEnabled = false
	f.seedAccount(t, manual)

	f.gw.setEquity("a1", 1000, 700)
	f.gw.setEquity("a3", 1000, 990)
	// a2 没有上游数据

	items := f.gov.EvaluateAll(ctx)
	require.Len(t, items, 3, "未开启自动暂停的账户不参与评估")

	byID := map[string]BatchItem{}
	for _, it := range items {
		byID[it.AccountID] = it
	}
	assert.True(t, byID["a1"].Decision.Success)
	assert.Equal(t, "error", byID["a2"].Status)
	assert.True(t, byID["a3"].Decision.Success)

	assert.Equal(t, model.AccountPaused, f.account(t, "a1").Status)
	assert.Equal(t, model.AccountActive, f.account(t, "a3").Status)

	batch := f.gov.BatchEvaluate(ctx, "", []string{"a1", "missing"}, ActionPause)
	require.Len(t, batch, 2)
	assert.Equal(t, "ok", batch[0].Status)
	assert.Equal(t, ReasonAlreadyPaused, batch[0].Decision.Reason)
	assert.Equal(t, "error", batch[1].Status)
	assert.NotEmpty(t, batch[1].Error)
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	f := newGovernorFixture(t)
	err := f.gov.UpdateConfig(GovernorConfig{DefaultMaxDrawdown: 10, DefaultResumeDrawdown: 10})
	assert.True(t, IsConfigError(err))
	assert.Equal(t, 20.0, f.gov.config().DefaultMaxDrawdown)
}
