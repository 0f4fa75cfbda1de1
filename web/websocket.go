package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copymesh/event"
	"copymesh/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsMessage struct {
	Type string       `json:"type"`
	Data *event.Entry `json:"data"`
}

// GET /api/streaming/ws?account_id=
// 推送新写入的流日志，account_id 非空时只推送该账户
func (s *Server) streamingWebSocket(c *gin.Context) {
	if s.feed == nil {
		respondError(c, http.StatusServiceUnavailable, "error.feed_disabled", nil)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	accountID := c.Query("account_id")
	ch := s.feed.Subscribe()
	defer s.feed.Unsubscribe(ch)

	// 读循环只处理 pong 和关闭
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if accountID != "" && entry.AccountID != accountID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsMessage{Type: "streaming_log", Data: entry}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
