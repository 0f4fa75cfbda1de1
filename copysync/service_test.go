package copysync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copymesh/cache"
	"copymesh/database"
	"copymesh/gateway"
	"copymesh/lock"
	"copymesh/model"
	"copymesh/streaming"
)

// terminalStub 模拟上游终端，持仓和账户信息可在测试中修改
type terminalStub struct {
	mu           sync.Mutex
	positions    map[string][]model.BrokerPosition
	infos        map[string]*model.AccountInfo
	failing      map[string]bool
	unsubscribed []string
	stream       *stubStream
	// afterPositions 在返回持仓快照之前调用，模拟快照与账本之间到达的流事件
	afterPositions func(accountID string)
}

func newTerminalStub() *terminalStub {
	return &terminalStub{
		positions: make(map[string][]model.BrokerPosition),
		infos:     make(map[string]*model.AccountInfo),
		failing:   make(map[string]bool),
	}
}

func (t *terminalStub) Name() string { return "stub" }

func (t *terminalStub) setPositions(accountID string, ps ...model.BrokerPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[accountID] = ps
}

func (t *terminalStub) GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failing[accountID] {
		return nil, gateway.ErrUpstream
	}
	info, ok := t.infos[accountID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (t *terminalStub) GetOpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, error) {
	t.mu.Lock()
	if t.failing[accountID] {
		t.mu.Unlock()
		return nil, gateway.ErrUpstream
	}
	out := append([]model.BrokerPosition(nil), t.positions[accountID]...)
	hook := t.afterPositions
	t.mu.Unlock()
	if hook != nil {
		hook(accountID)
	}
	return out, nil
}

func (t *terminalStub) GetTradeHistory(ctx context.Context, accountID string, r gateway.TimeRange) ([]model.Trade, error) {
	return nil, nil
}

func (t *terminalStub) Subscribe(ctx context.Context, req gateway.SubscribeRequest) error { return nil }

func (t *terminalStub) Unsubscribe(ctx context.Context, accountID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribed = append(t.unsubscribed, accountID)
	return nil
}

func (t *terminalStub) UpdateStrategy(ctx context.Context, req gateway.StrategyUpdate) error {
	return nil
}

func (t *terminalStub) OpenPositionStream(ctx context.Context, accountID, strategyID string) (gateway.PositionStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == nil {
		return nil, gateway.ErrUpstream
	}
	return t.stream, nil
}

func (t *terminalStub) unsubscribeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unsubscribed)
}

// stubStream 测试用持仓事件流
type stubStream struct {
	events chan gateway.PositionEvent
	done   chan struct{}
	once   sync.Once
}

func newStubStream() *stubStream {
	return &stubStream{events: make(chan gateway.PositionEvent, 8), done: make(chan struct{})}
}

func (s *stubStream) Events() <-chan gateway.PositionEvent { return s.events }
func (s *stubStream) Done() <-chan struct{}                { return s.done }
func (s *stubStream) Err() error                           { return nil }
func (s *stubStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func newTestService(t *testing.T, debounce int) (*Service, *terminalStub, database.DocumentStore) {
	t.Helper()
	stub := newTerminalStub()
	store := database.NewMemoryStore()
	gw := gateway.New([]gateway.Mode{stub}, gateway.WithTimeout(time.Second))
	svc := New(store, gw, cache.NewMemoryStatsCache(time.Minute), lock.NewLocalLock(), nil, Options{
		CloseDebounce:  debounce,
		ErrorThreshold: 3,
		Streaming: streaming.Config{
			HeartbeatTimeout:     time.Second,
			ReconnectMinDelay:    10 * time.Millisecond,
			ReconnectMaxDelay:    20 * time.Millisecond,
			DegradedPollInterval: time.Second,
		},
	})
	t.Cleanup(svc.Shutdown)
	return svc, stub, store
}

func position(id string, profit float64) model.BrokerPosition {
	return model.BrokerPosition{
		PositionID:    id,
		Symbol:        "XAUUSD",
		Side:          model.SideSell,
		Volume:        0.5,
		OpenPrice:     2300,
		CurrentProfit: profit,
	}
}

func TestSyncFromPositionsLifecycle(t *testing.T) {
	svc, stub, _ := newTestService(t, 1)
	ctx := context.Background()

	stub.setPositions("master-1", position("P1", 3))
	res := svc.SyncFromPositions(ctx, "master-1", "gold")
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.SignalsCreated)

	signals, err := svc.ListSignals(ctx, "master-1", model.SignalOpen)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "gold", signals[0].Category)

	stub.setPositions("master-1", position("P1", 8))
	res = svc.SyncFromPositions(ctx, "master-1", "gold")
	assert.Equal(t, 1, res.SignalsUpdated)

	stub.setPositions("master-1")
	res = svc.SyncFromPositions(ctx, "master-1", "gold")
	assert.Equal(t, 1, res.SignalsClosed)

	res = svc.SyncFromPositions(ctx, "master-1", "gold")
	assert.True(t, res.Success)
	assert.Zero(t, res.SignalsCreated+res.SignalsUpdated+res.SignalsClosed, "空快照再次对账不产生动作")

	closed, err := svc.ListSignals(ctx, "master-1", model.SignalClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, model.ResultWin, closed[0].Result)
}

func TestSyncFromPositionsDebouncesClose(t *testing.T) {
	svc, stub, _ := newTestService(t, 2)
	ctx := context.Background()

	stub.setPositions("master-1", position("P1", 0))
	svc.SyncFromPositions(ctx, "master-1", "forex")

	stub.setPositions("master-1")
	res := svc.SyncFromPositions(ctx, "master-1", "forex")
	assert.Equal(t, 0, res.SignalsClosed)
	assert.Equal(t, 1, res.PendingClose, "第一次缺席只记为待确认")

	res = svc.SyncFromPositions(ctx, "master-1", "forex")
	assert.Equal(t, 1, res.SignalsClosed)
}

func TestSyncDoesNotCloseSignalCreatedDuringSnapshot(t *testing.T) {
	svc, stub, _ := newTestService(t, 1)
	ctx := context.Background()

	var once sync.Once
	stub.afterPositions = func(accountID string) {
		once.Do(func() {
			err := svc.handleEvent(ctx, accountID, "forex", gateway.PositionEvent{
				Type: gateway.EventOpened, AccountID: accountID, Position: position("P9", 0),
			})
			require.NoError(t, err)
		})
	}

	res := svc.SyncFromPositions(ctx, "master-1", "forex")
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 0, res.SignalsClosed, "快照之后新建的信号不能被旧快照平仓")

	open, err := svc.ListSignals(ctx, "master-1", model.SignalOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "P9", open[0].SourcePositionID)
}

func TestSyncSerializedPerAccount(t *testing.T) {
	svc, stub, _ := newTestService(t, 1)
	ctx := context.Background()
	stub.setPositions("master-1", position("P1", 0))

	ok, err := svc.locker.TryLock(ctx, "sync:master-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res := svc.SyncFromPositions(short, "master-1", "forex")
	assert.False(t, res.Success, "同一账户的对账进行中时必须等待")
	require.NotEmpty(t, res.Errors)

	other := svc.SyncFromPositions(ctx, "master-2", "forex")
	assert.True(t, other.Success, "不同账户互不阻塞")

	require.NoError(t, svc.locker.Unlock(ctx, "sync:master-1"))
	res = svc.SyncFromPositions(ctx, "master-1", "forex")
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, 1, res.SignalsCreated)
}

func TestSyncFailureTrackedAndDisconnects(t *testing.T) {
	svc, stub, store := newTestService(t, 1)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, database.CollectionAccounts, "acc1", model.CopyTradingAccount{
		AccountID: "acc1", Status: model.AccountActive,
	}))

	stub.mu.Lock()
	stub.failing["acc1"] = true
	stub.mu.Unlock()

	res := svc.SyncFromPositions(ctx, "acc1", "forex")
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)

	rec, err := svc.GetErrorRecord(ctx, "acc1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ConsecutiveFailures)

	svc.SyncFromPositions(ctx, "acc1", "forex")
	svc.SyncFromPositions(ctx, "acc1", "forex")
	svc.Tracker().Wait()
	assert.Equal(t, 1, stub.unsubscribeCount(), "达到阈值后通过网关自动断开")

	var acc model.CopyTradingAccount
	require.NoError(t, store.Get(ctx, database.CollectionAccounts, "acc1", &acc))
	assert.Equal(t, model.AccountDisconnected, acc.Status)
}

func TestStreamingEventsReachLedger(t *testing.T) {
	svc, stub, _ := newTestService(t, 2)
	ctx := context.Background()
	stream := newStubStream()
	stub.stream = stream

	res := svc.StartStreaming(ctx, "master-1", "strat-1", "forex")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.StreamConnected, res.Session.State)

	stream.events <- gateway.PositionEvent{Type: gateway.EventOpened, AccountID: "master-1", Position: position("P7", 0)}
	require.Eventually(t, func() bool {
		s, _ := svc.ListSignals(ctx, "master-1", model.SignalOpen)
		return len(s) == 1
	}, time.Second, 5*time.Millisecond)

	stream.events <- gateway.PositionEvent{Type: gateway.EventClosed, AccountID: "master-1", Position: position("P7", -2)}
	require.Eventually(t, func() bool {
		s, _ := svc.ListSignals(ctx, "master-1", model.SignalClosed)
		return len(s) == 1 && s[0].Result == model.ResultLoss
	}, time.Second, 5*time.Millisecond, "流上的平仓事件不受去抖影响")

	stop := svc.StopStreaming("master-1")
	assert.True(t, stop.Success)
	assert.True(t, stop.WasRunning)
	assert.Equal(t, model.StreamStopped, svc.GetStreamingStatus("master-1").State)
	assert.False(t, svc.StopStreaming("master-1").WasRunning)
}

func TestStartStreamingRequiresStrategy(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	res := svc.StartStreaming(context.Background(), "master-1", "", "forex")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestBatchAccountStats(t *testing.T) {
	svc, stub, _ := newTestService(t, 1)
	ctx := context.Background()
	stub.mu.Lock()
	stub.infos["a1"] = &model.AccountInfo{Balance: 1000, Equity: 990}
	stub.infos["a2"] = &model.AccountInfo{Balance: 500, Equity: 450}
	stub.failing["a3"] = true
	stub.mu.Unlock()

	snap, cached, err := svc.AccountStats(ctx, "a1", false)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "a1", snap.AccountID)

	items := svc.BatchAccountStats(ctx, []string{"a1", "a2", "a3", "a2"})
	require.Len(t, items, 4)
	assert.True(t, items[0].Cached, "a1 已在缓存中")
	assert.Equal(t, gateway.StatusOK, items[1].Status)
	require.NotNil(t, items[1].Stats)
	assert.Equal(t, 450.0, items[1].Stats.Equity)
	assert.Equal(t, gateway.StatusFailed, items[2].Status)
	assert.NotEmpty(t, items[2].Error)
	assert.Equal(t, items[1].Stats, items[3].Stats, "重复账户只请求一次")

	_, cached, err = svc.AccountStats(ctx, "a2", false)
	require.NoError(t, err)
	assert.True(t, cached)
}
