package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copymesh/event"
)

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	f, err := NewFeed(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFeedSaveAndQuery(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	entries := []*event.Entry{
		(&event.Entry{Type: event.EntrySignalCreated, Timestamp: base, Message: "创建 S1", AccountID: "acc1", SignalID: "S1"}).WithSuccess(true),
		{Type: event.EntryError, Timestamp: base.Add(time.Minute), Message: "上游超时", AccountID: "acc1", Error: "timeout"},
		{Type: event.EntrySignalCreated, Timestamp: base.Add(2 * time.Minute), Message: "创建 S2", AccountID: "acc2"},
	}
	for _, e := range entries {
		require.NoError(t, f.Save(ctx, e))
		assert.NotZero(t, e.ID)
	}

	got, total, err := f.Query(ctx, FeedQuery{AccountID: "acc1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, event.EntryError, got[0].Type, "应按时间倒序")
	assert.Nil(t, got[0].Success)
	require.NotNil(t, got[1].Success)
	assert.True(t, *got[1].Success)
	assert.Equal(t, "S1", got[1].SignalID)

	got, total, err = f.Query(ctx, FeedQuery{Type: event.EntrySignalCreated, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, got, 1)

	got, _, err = f.Query(ctx, FeedQuery{Keyword: "超时"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFeedSubscribe(t *testing.T) {
	f := newTestFeed(t)
	ch := f.Subscribe()

	require.NoError(t, f.Save(context.Background(), &event.Entry{Type: event.EntryPositionClosed, Timestamp: time.Now(), Message: "平仓"}))

	select {
	case e := <-ch:
		assert.Equal(t, event.EntryPositionClosed, e.Type)
	case <-time.After(time.Second):
		t.Fatal("订阅者未收到推送")
	}

	f.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok, "取消订阅后通道应关闭")
}

func TestFeedCleanOld(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.Save(ctx, &event.Entry{Type: event.EntryError, Timestamp: now.AddDate(0, 0, -10), Message: "旧"}))
	require.NoError(t, f.Save(ctx, &event.Entry{Type: event.EntryError, Timestamp: now, Message: "新"}))

	n, err := f.CleanOld(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	if n != 1 {
		t.Errorf("清理数量 = %d, 期望 1", n)
	}

	_, total, err := f.Query(ctx, FeedQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestFeedClosed(t *testing.T) {
	f, err := NewFeed(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	assert.Error(t, f.Save(context.Background(), &event.Entry{Type: event.EntryError}))
}
