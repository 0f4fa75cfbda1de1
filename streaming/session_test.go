package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copymesh/gateway"
	"copymesh/model"
)

// fakeStream 可控的持仓事件流
type fakeStream struct {
	events chan gateway.PositionEvent
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan gateway.PositionEvent, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeStream) Events() <-chan gateway.PositionEvent { return f.events }
func (f *fakeStream) Done() <-chan struct{}                { return f.done }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.fail(gateway.ErrStreamClosed)
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOpener 依次返回预设的结果，用完后一直返回 fallbackErr
type fakeOpener struct {
	mu          sync.Mutex
	results     []openResult
	fallbackErr error
	calls       int
}

type openResult struct {
	stream *fakeStream
	err    error
}

func (o *fakeOpener) push(r openResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *fakeOpener) OpenPositionStream(ctx context.Context, accountID, strategyID string) (gateway.PositionStream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if len(o.results) == 0 {
		if o.fallbackErr != nil {
			return nil, o.fallbackErr
		}
		return nil, gateway.ErrUpstream
	}
	r := o.results[0]
	o.results = o.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.stream, nil
}

func (o *fakeOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// fakeHandler 记录处理过的事件和同步次数
type fakeHandler struct {
	mu     sync.Mutex
	events []gateway.PositionEvent
	syncs  int
}

func (h *fakeHandler) HandleEvent(ctx context.Context, accountID, category string, ev gateway.PositionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandler) SyncFromPositions(ctx context.Context, accountID, category string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncs++
	return nil
}

func (h *fakeHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *fakeHandler) syncCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.syncs
}

func testConfig() Config {
	return Config{
		HeartbeatTimeout:     time.Second,
		ReconnectMinDelay:    5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		DegradedPollInterval: 10 * time.Millisecond,
	}
}

func openedEvent(id string) gateway.PositionEvent {
	return gateway.PositionEvent{
		Type:     gateway.EventOpened,
		Position: model.BrokerPosition{PositionID: id, Symbol: "EURUSD", Volume: 0.1},
	}
}

func TestSessionConnectsAndHandlesEvents(t *testing.T) {
	stream := newFakeStream()
	opener := &fakeOpener{}
	opener.push(openResult{stream: stream})
	h := &fakeHandler{}
	m := NewManager(opener, h, nil, testConfig())
	defer m.StopAll()

	st, err := m.Start(context.Background(), "master-1", "strat-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.StreamConnected, st.State)
	assert.True(t, st.IsConnected)
	assert.Equal(t, "forex", st.Category)

	stream.events <- gateway.PositionEvent{Type: gateway.EventHeartbeat}
	stream.events <- openedEvent("P1")

	require.Eventually(t, func() bool { return h.eventCount() == 1 }, time.Second, 5*time.Millisecond,
		"心跳不交给处理器，持仓事件交给处理器")
	require.Eventually(t, func() bool { return m.Status("master-1").LastEventAt != nil }, time.Second, 5*time.Millisecond)

	assert.True(t, m.Stop("master-1"))
	assert.Equal(t, model.StreamStopped, m.Status("master-1").State)
	assert.True(t, stream.isClosed(), "停止后应关闭上游流")
	assert.False(t, m.Stop("master-1"), "重复停止返回 false")
}

func TestSessionReconnectsAfterTransportLoss(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	opener := &fakeOpener{}
	opener.push(openResult{stream: first})
	opener.push(openResult{err: gateway.ErrTimeout})
	opener.push(openResult{stream: second})
	h := &fakeHandler{}
	m := NewManager(opener, h, nil, testConfig())
	defer m.StopAll()

	_, err := m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err)

	first.fail(gateway.ErrUpstream)

	require.Eventually(t, func() bool {
		st := m.Status("master-1")
		return st.State == model.StreamConnected && st.Reconnects == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, opener.callCount())
	assert.GreaterOrEqual(t, h.syncCount(), 2, "降级时同步一次，重连后恢复同步一次")

	second.events <- openedEvent("P2")
	require.Eventually(t, func() bool { return h.eventCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionConnectRecordsLastEventAt(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	opener := &fakeOpener{}
	opener.push(openResult{stream: first})
	opener.push(openResult{stream: second})
	m := NewManager(opener, &fakeHandler{}, nil, testConfig())
	defer m.StopAll()

	st, err := m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err)
	require.NotNil(t, st.LastEventAt, "连接成功即记录最近事件时间，未收到任何事件")
	connectedAt := *st.LastEventAt

	time.Sleep(5 * time.Millisecond)
	first.fail(gateway.ErrUpstream)

	require.Eventually(t, func() bool {
		st := m.Status("master-1")
		return st.State == model.StreamConnected && st.Reconnects == 1
	}, 2*time.Second, 5*time.Millisecond)
	last := m.Status("master-1").LastEventAt
	require.NotNil(t, last)
	assert.True(t, last.After(connectedAt), "重连成功后刷新最近事件时间")
}

func TestSessionHeartbeatTimeoutDegrades(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	opener := &fakeOpener{}
	opener.push(openResult{stream: first})
	opener.push(openResult{stream: second})
	cfg := testConfig()
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	m := NewManager(opener, &fakeHandler{}, nil, cfg)
	defer m.StopAll()

	_, err := m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Status("master-1").Reconnects >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed(), "心跳超时的流应被关闭")
}

func TestSessionPollsWhileDegraded(t *testing.T) {
	opener := &fakeOpener{fallbackErr: gateway.ErrRateLimited}
	opener.push(openResult{err: gateway.ErrTimeout})
	h := &fakeHandler{}
	m := NewManager(opener, h, nil, testConfig())
	defer m.StopAll()

	st, err := m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err, "临时错误不阻止启动")
	assert.Equal(t, model.StreamDegraded, st.State)
	assert.False(t, st.IsConnected)

	require.Eventually(t, func() bool { return h.syncCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StreamDegraded, m.Status("master-1").State)

	done := make(chan struct{})
	go func() {
		m.Stop("master-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("降级状态下停止不应阻塞")
	}
}

func TestSessionPermanentErrors(t *testing.T) {
	opener := &fakeOpener{}
	opener.push(openResult{err: gateway.ErrUnauthorized})
	m := NewManager(opener, &fakeHandler{}, nil, testConfig())
	defer m.StopAll()

	st, err := m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.ErrorIs(t, err, gateway.ErrUnauthorized)
	assert.Equal(t, model.StreamError, st.State)
	assert.NotEmpty(t, st.Error)

	// 出错的会话可以重新启动
	stream := newFakeStream()
	opener.push(openResult{stream: stream})
	st, err = m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err)
	assert.Equal(t, model.StreamConnected, st.State)

	// 连接中被上游拒绝同样进入 Error，不再重试
	stream.fail(gateway.ErrUnauthorized)
	require.Eventually(t, func() bool { return m.Status("master-1").State == model.StreamError }, time.Second, 5*time.Millisecond)
	calls := opener.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, opener.callCount())
}

func TestManagerStartIsIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	opener.push(openResult{stream: newFakeStream()})
	opener.push(openResult{stream: newFakeStream()})
	m := NewManager(opener, &fakeHandler{}, nil, testConfig())

	_, err := m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err)
	_, err = m.Start(context.Background(), "master-1", "strat-1", "forex")
	require.NoError(t, err)
	assert.Equal(t, 1, opener.callCount(), "相同参数不重复连接")

	_, err = m.Start(context.Background(), "master-1", "strat-2", "forex")
	require.NoError(t, err)
	assert.Equal(t, 2, opener.callCount(), "策略变化时替换会话")
	assert.Equal(t, "strat-2", m.Status("master-1").StrategyID)

	_, err = m.Start(context.Background(), "", "strat-1", "forex")
	assert.Error(t, err)

	assert.Len(t, m.List(), 1)
	m.StopAll()
	assert.Empty(t, m.List())

	_, err = m.Start(context.Background(), "master-2", "strat-1", "forex")
	assert.Error(t, err, "StopAll 之后不接受新会话")
}
