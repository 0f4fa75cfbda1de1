package cache

import (
	"context"
	"sync"
	"time"

	"copymesh/model"
)

// Store 带 TTL 的键值缓存，同一 key 后写覆盖先写
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Delete(ctx context.Context, key string)
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// MemoryStore 进程内 TTL 缓存
type MemoryStore[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time
}

// NewMemoryStore 创建进程内 TTL 缓存
func NewMemoryStore[V any](ttl time.Duration) *MemoryStore[V] {
	return &MemoryStore[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

func (m *MemoryStore[V]) Get(ctx context.Context, key string) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *MemoryStore[V]) Set(ctx context.Context, key string, value V) {
	m.mu.Lock()
	m.entries[key] = entry[V]{value: value, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
}

func (m *MemoryStore[V]) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len 当前条目数（包含尚未清理的过期条目）
func (m *MemoryStore[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Purge 清理过期条目
func (m *MemoryStore[V]) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor 定期清理过期条目，ctx 结束后退出
func (m *MemoryStore[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Purge()
			}
		}
	}()
}

// StatsCache 账户信息和持仓快照缓存
type StatsCache struct {
	Accounts  Store[model.AccountStatsSnapshot]
	Positions Store[model.PositionsSnapshot]
}

// NewMemoryStatsCache 创建进程内统计缓存
func NewMemoryStatsCache(ttl time.Duration) *StatsCache {
	return &StatsCache{
		Accounts:  NewMemoryStore[model.AccountStatsSnapshot](ttl),
		Positions: NewMemoryStore[model.PositionsSnapshot](ttl),
	}
}

// GetStats 读取账户统计快照
func (c *StatsCache) GetStats(ctx context.Context, accountID string) (model.AccountStatsSnapshot, bool) {
	return c.Accounts.Get(ctx, accountID)
}

// SetStats 写入账户统计快照
func (c *StatsCache) SetStats(ctx context.Context, snapshot model.AccountStatsSnapshot) {
	c.Accounts.Set(ctx, snapshot.AccountID, snapshot)
}

// GetPositions 读取持仓快照
func (c *StatsCache) GetPositions(ctx context.Context, accountID string) (model.PositionsSnapshot, bool) {
	return c.Positions.Get(ctx, accountID)
}

// SetPositions 写入持仓快照
func (c *StatsCache) SetPositions(ctx context.Context, snapshot model.PositionsSnapshot) {
	c.Positions.Set(ctx, snapshot.AccountID, snapshot)
}

// Invalidate 清除账户的所有缓存
func (c *StatsCache) Invalidate(ctx context.Context, accountID string) {
	c.Accounts.Delete(ctx, accountID)
	c.Positions.Delete(ctx, accountID)
}
