package event

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore 模拟流日志存储
type mockStore struct {
	mu      sync.Mutex
	entries []*Entry
	failing bool
}

func (m *mockStore) Save(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return context.DeadlineExceeded
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockStore) CleanOld(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// mockNotifier 模拟通知服务
type mockNotifier struct {
	mu      sync.Mutex
	entries []*Entry
}

func (m *mockNotifier) Notify(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(&Entry{Type: EntrySignalCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("队列满时发布不应阻塞")
	}
	assert.Equal(t, 2, bus.Len())

	e := <-bus.Subscribe()
	assert.False(t, e.Timestamp.IsZero(), "发布时应补充时间戳")
}

func TestEventCenterPersistsAndNotifies(t *testing.T) {
	bus := NewEventBus(100)
	store := &mockStore{}
	notifier := &mockNotifier{}
	ec := NewEventCenter(store, bus, notifier, CenterConfig{Enabled: true})
	require.NoError(t, ec.Start())

	bus.Publish(&Entry{Type: EntrySignalCreated, AccountID: "acc1"})
	bus.Publish(&Entry{Type: EntryAccountDisconnected, AccountID: "acc1"})
	bus.Publish(&Entry{Type: EntryError, AccountID: "acc1"})

	ec.Stop()

	assert.Equal(t, 3, store.count(), "停止前已入队的条目都应持久化")
	require.Len(t, notifier.entries, 1)
	assert.Equal(t, EntryAccountDisconnected, notifier.entries[0].Type)
}

func TestEventCenterStoreFailureStillNotifies(t *testing.T) {
	bus := NewEventBus(10)
	store := &mockStore{failing: true}
	notifier := &mockNotifier{}
	ec := NewEventCenter(store, bus, notifier, CenterConfig{Enabled: true, NotifyTypes: []EntryType{EntryPositionClosed}})
	require.NoError(t, ec.Start())

	bus.Publish(&Entry{Type: EntryPositionClosed})
	ec.Stop()

	assert.Len(t, notifier.entries, 1)
}

func TestEntrySeverity(t *testing.T) {
	tests := []struct {
		entryType EntryType
		expected  Severity
	}{
		{EntryAccountDisconnected, SeverityCritical},
		{EntryRiskPaused, SeverityCritical},
		{EntryError, SeverityWarning},
		{EntrySignalCreated, SeverityInfo},
	}

	for _, tt := range tests {
		if got := GetEntrySeverity(tt.entryType); got != tt.expected {
			t.Errorf("GetEntrySeverity(%s) = %s, 期望 %s", tt.entryType, got, tt.expected)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	e := (&Entry{Type: EntryError, Message: "同步失败", AccountID: "acc1", Error: "timeout"}).WithSuccess(false)
	msg := FormatMessage(e)
	if !strings.Contains(msg, "同步错误") || !strings.Contains(msg, "acc1") || !strings.Contains(msg, "timeout") {
		t.Errorf("通知文本不完整: %s", msg)
	}
	require.NotNil(t, e.Success)
	assert.False(t, *e.Success)
}
