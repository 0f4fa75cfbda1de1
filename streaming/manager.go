package streaming

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"copymesh/event"
	"copymesh/logger"
	"copymesh/model"
)

// Manager 流会话注册表，每个主账户最多一个会话
type Manager struct {
	opener  Opener
	handler Handler
	bus     event.Publisher

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
}

// NewManager 创建会话管理器
func NewManager(opener Opener, handler Handler, bus event.Publisher, cfg Config) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		opener:   opener,
		handler:  handler,
		bus:      bus,
		base:     base,
		cancel:   cancel,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// UpdateConfig 更新后续启动的会话参数，已运行的会话不受影响
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.withDefaults()
}

// Start 启动会话。同一账户同一策略的活跃会话直接返回当前状态；
// 策略不同或会话已停止/出错时替换。
func (m *Manager) Start(ctx context.Context, accountID, strategyID, category string) (model.StreamingSession, error) {
	if accountID == "" || strategyID == "" {
		return model.StreamingSession{}, errors.New("accountId and strategyId are required")
	}
	if category == "" {
		category = "forex"
	}
	if m.base.Err() != nil {
		return model.StreamingSession{}, errors.New("streaming manager is stopped")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[accountID]; ok {
		state := old.State()
		active := state == model.StreamStarting || state == model.StreamConnected || state == model.StreamDegraded
		if active && old.strategyID == strategyID && old.category == category {
			return old.Status(), nil
		}
		logger.Info("🔄 [%s] 替换已有持仓流会话 (状态 %s)", accountID, state)
		old.Stop()
		delete(m.sessions, accountID)
	}

	s := newSession(accountID, strategyID, category, m.opener, m.handler, m.bus, m.cfg)
	m.sessions[accountID] = s
	if err := s.start(ctx, m.base); err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// Stop 停止并移除会话，会话不存在时返回 false
func (m *Manager) Stop(accountID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	return true
}

// Status 会话状态，不存在时返回 stopped
func (m *Manager) Status(accountID string) model.StreamingSession {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return model.StreamingSession{AccountID: accountID, State: model.StreamStopped}
	}
	return s.Status()
}

// List 所有会话状态，按账户排序
func (m *Manager) List() []model.StreamingSession {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]model.StreamingSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// StopAll 停止所有会话，之后不再接受新会话
func (m *Manager) StopAll() {
	m.cancel()
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	if len(sessions) > 0 {
		logger.Info("🛑 已停止 %d 个持仓流会话", len(sessions))
	}
}
