package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"copymesh/logger"
	"copymesh/model"
)

// ErrStreamClosed 流已被调用方关闭
var ErrStreamClosed = errors.New("position stream closed")

// TerminalConfig 云终端长连接访问方式配置
type TerminalConfig struct {
	URL          string
	Token        string
	RateLimit    float64 // 每秒请求配额
	Burst        int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	EventBuffer  int
}

// TerminalMode 云终端长连接访问方式：单连接多路复用 RPC，并推送持仓事件
type TerminalMode struct {
	cfg     TerminalConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu   sync.Mutex
	conn *terminalConn
}

// NewTerminalMode 创建云终端访问方式
func NewTerminalMode(cfg TerminalConfig) *TerminalMode {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &TerminalMode{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (t *TerminalMode) Name() string {
	return "terminal"
}

type rpcRequest struct {
	RequestID string      `json:"requestId"`
	Type      string      `json:"type"`
	AccountID string      `json:"accountId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) toError() error {
	var kind error
	switch e.Code {
	case "UNAUTHORIZED", "FORBIDDEN":
		kind = ErrUnauthorized
	case "NOT_FOUND":
		kind = ErrNotFound
	case "TOO_MANY_REQUESTS":
		kind = ErrRateLimited
	default:
		kind = ErrUpstream
	}
	return errors.Wrapf(kind, "terminal %s: %s", e.Code, e.Message)
}

type inboundMessage struct {
	Type      string                `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	AccountID string                `json:"accountId,omitempty"`
	Error     *rpcError             `json:"error,omitempty"`
	Data      json.RawMessage       `json:"data,omitempty"`
	Event     PositionEventType     `json:"event,omitempty"`
	Position  *model.BrokerPosition `json:"position,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// terminalConn 一条 websocket 连接及其挂起请求和订阅
type terminalConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	writeMu   sync.Mutex

	mu      sync.Mutex
	pending map[string]chan inboundMessage
	streams map[string]*terminalStream

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (t *TerminalMode) ensureConn(ctx context.Context) (*terminalConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		select {
		case <-t.conn.done:
			t.conn = nil
		default:
			return t.conn, nil
		}
	}

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, newStatusError(resp.StatusCode, err.Error())
		}
		return nil, errors.Wrapf(ErrUpstream, "dial terminal: %v", err)
	}

	c := &terminalConn{
		ws:        ws,
		writeWait: t.cfg.WriteWait,
		pending:   make(map[string]chan inboundMessage),
		streams:   make(map[string]*terminalStream),
		done:      make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})
	go c.readLoop(t.cfg.PongWait)
	go c.pingLoop(t.cfg.PingInterval)

	logger.Info("✅ 云终端连接已建立: %s", t.cfg.URL)
	t.conn = c
	return c, nil
}

func (c *terminalConn) readLoop(pongWait time.Duration) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(errors.Wrapf(ErrUpstream, "terminal read: %v", err))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("⚠️ 云终端消息解析失败: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *terminalConn) dispatch(msg inboundMessage) {
	if msg.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	c.mu.Lock()
	s := c.streams[msg.AccountID]
	c.mu.Unlock()
	if s == nil {
		return
	}

	ev := PositionEvent{Type: msg.Event, AccountID: msg.AccountID, Timestamp: msg.Timestamp}
	if msg.Type == "heartbeat" {
		ev.Type = EventHeartbeat
	} else if msg.Position != nil {
		ev.Position = *msg.Position
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.deliver(ev)
}

func (c *terminalConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(errors.Wrapf(ErrUpstream, "terminal ping: %v", err))
				return
			}
		}
	}
}

func (c *terminalConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()

		c.mu.Lock()
		streams := make([]*terminalStream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		c.streams = make(map[string]*terminalStream)
		c.mu.Unlock()

		for _, s := range streams {
			s.fail(err)
		}
		logger.Warn("⚠️ 云终端连接断开: %v", err)
	})
}

func (c *terminalConn) call(ctx context.Context, typ, accountID string, payload, out interface{}) error {
	req := rpcRequest{RequestID: uuid.NewString(), Type: typ, AccountID: accountID, Payload: payload}
	ch := make(chan inboundMessage, 1)

	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(errors.Wrapf(ErrUpstream, "terminal write: %v", err))
		return errors.Wrapf(ErrUpstream, "send %s: %v", typ, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error.toError()
		}
		if out == nil || len(msg.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Data, out); err != nil {
			return errors.Wrapf(ErrUpstream, "decode %s response: %v", typ, err)
		}
		return nil
	}
}

func (t *TerminalMode) call(ctx context.Context, typ, accountID string, payload, out interface{}) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "terminal quota")
	}
	c, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, typ, accountID, payload, out)
}

func (t *TerminalMode) GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error) {
	var info model.AccountInfo
	if err := t.call(ctx, "getAccountInformation", accountID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (t *TerminalMode) GetOpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, error) {
	var positions []model.BrokerPosition
	if err := t.call(ctx, "getPositions", accountID, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (t *TerminalMode) GetTradeHistory(ctx context.Context, accountID string, r TimeRange) ([]model.Trade, error) {
	var trades []model.Trade
	payload := map[string]time.Time{"from": r.From.UTC(), "to": r.To.UTC()}
	if err := t.call(ctx, "getDealsByTimeRange", accountID, payload, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (t *TerminalMode) Subscribe(ctx context.Context, req SubscribeRequest) error {
	return t.call(ctx, "subscribe", req.AccountID, req, nil)
}

func (t *TerminalMode) Unsubscribe(ctx context.Context, accountID string) error {
	return t.call(ctx, "unsubscribe", accountID, nil, nil)
}

func (t *TerminalMode) UpdateStrategy(ctx context.Context, req StrategyUpdate) error {
	return t.call(ctx, "updateSubscription", req.AccountID, req, nil)
}

// OpenPositionStream 订阅账户持仓事件，流的生命周期与 ctx 无关，由 Close 或连接断开结束
func (t *TerminalMode) OpenPositionStream(ctx context.Context, accountID, strategyID string) (PositionStream, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "terminal quota")
	}
	c, err := t.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	s := &terminalStream{
		accountID: accountID,
		conn:      c,
		events:    make(chan PositionEvent, t.cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	old := c.streams[accountID]
	c.streams[accountID] = s
	c.mu.Unlock()
	if old != nil {
		old.fail(errors.New("position stream superseded"))
	}

	payload := map[string]string{"strategyId": strategyID}
	if err := c.call(ctx, "subscribePositions", accountID, payload, nil); err != nil {
		c.removeStream(accountID, s)
		s.fail(err)
		return nil, err
	}
	logger.Info("📡 [%s] 持仓事件流已订阅", accountID)
	return s, nil
}

// removeStream 返回 s 是否仍是该账户当前登记的流
func (c *terminalConn) removeStream(accountID string, s *terminalStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[accountID] != s {
		return false
	}
	delete(c.streams, accountID)
	return true
}

// Close 关闭连接
func (t *TerminalMode) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.fail(ErrStreamClosed)
	}
	return nil
}

// terminalStream 单账户持仓事件流
type terminalStream struct {
	accountID string
	conn      *terminalConn
	events    chan PositionEvent
	done      chan struct{}
	once      sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *terminalStream) Events() <-chan PositionEvent {
	return s.events
}

func (s *terminalStream) Done() <-chan struct{} {
	return s.done
}

func (s *terminalStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver 投递事件，消费方积压时结束流，由会话重连后全量对账补齐
func (s *terminalStream) deliver(ev PositionEvent) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.fail(errors.Wrap(ErrUpstream, "position stream backlog overflow"))
	}
}

func (s *terminalStream) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Close 结束流，可重复调用。流仍登记在连接上时（包括积压溢出后）取消上游订阅；
// 被替换或连接已断开的流不再取消，以免影响新的订阅
func (s *terminalStream) Close() error {
	var owned bool
	s.closeOnce.Do(func() {
		owned = s.conn.removeStream(s.accountID, s)
		s.fail(ErrStreamClosed)
	})
	if !owned {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.conn.call(ctx, "unsubscribePositions", s.accountID, nil, nil); err != nil {
		logger.Debug("[%s] 取消持仓订阅失败: %v", s.accountID, err)
	}
	return nil
}
