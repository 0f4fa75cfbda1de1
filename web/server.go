package web

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"copymesh/copysync"
	"copymesh/event"
	"copymesh/model"
	"copymesh/safety"
	"copymesh/storage"
)

// Core API 依赖的同步与风控服务
type Core interface {
	StartStreaming(ctx context.Context, accountID, strategyID, category string) copysync.StartResult
	StopStreaming(accountID string) copysync.StopResult
	GetStreamingStatus(accountID string) model.StreamingSession
	ListStreaming() []model.StreamingSession
	SyncFromPositions(ctx context.Context, accountID, category string) copysync.SyncResult
	ListSignals(ctx context.Context, accountID string, status model.SignalStatus) ([]model.Signal, error)
	EvaluateRisk(ctx context.Context, userID, accountID string, action safety.Action) (*safety.RiskDecision, error)
	GetRiskStatus(ctx context.Context, userID, accountID string) (*safety.RiskStatus, error)
	BatchEvaluateRisk(ctx context.Context, userID string, accountIDs []string, action safety.Action) []safety.BatchItem
	AccountStats(ctx context.Context, accountID string, fresh bool) (model.AccountStatsSnapshot, bool, error)
	BatchAccountStats(ctx context.Context, accountIDs []string) []copysync.StatsItem
	OpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, bool, error)
	GetErrorRecord(ctx context.Context, accountID string) (*model.ErrorRecord, error)
}

// Feed 流日志查询和实时订阅
type Feed interface {
	Query(ctx context.Context, params storage.FeedQuery) ([]*event.Entry, int, error)
	Subscribe() chan *event.Entry
	Unsubscribe(ch chan *event.Entry)
}

// Server HTTP API
type Server struct {
	core Core
	feed Feed

	mu     sync.RWMutex
	apiKey string

	engine *gin.Engine
}

// NewServer 创建 API，feed 为 nil 时日志接口返回 503
func NewServer(core Core, feed Feed, apiKey string, logAll bool) *Server {
	s := &Server{core: core, feed: feed, apiKey: apiKey}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(logAll))
	r.Use(I18nMiddleware())
	s.setupRoutes(r)
	s.engine = r
	return s
}

// Handler 返回 http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetAPIKey 热更新 API Key
func (s *Server) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

func (s *Server) currentAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

func (s *Server) setupRoutes(r *gin.Engine) {
	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/health", s.health)

	protected := api.Group("")
	protected.Use(s.apiKeyMiddleware())
	{
		streaming := protected.Group("/streaming")
		{
			streaming.POST("/start", s.startStreaming)
			streaming.POST("/stop", s.stopStreaming)
			streaming.GET("/status", s.streamingStatus)
			streaming.GET("/logs", s.streamingLogs)
			streaming.GET("/ws", s.streamingWebSocket)
		}

		protected.GET("/signals", s.listSignals)
		protected.POST("/signals/sync", s.syncSignals)

		risk := protected.Group("/risk")
		{
			risk.POST("/evaluate", s.evaluateRisk)
			risk.POST("/evaluate/batch", s.batchEvaluateRisk)
			risk.GET("/status", s.riskStatus)
		}

		accounts := protected.Group("/accounts")
		{
			accounts.POST("/stats/batch", s.batchAccountStats)
			accounts.GET("/:account_id/stats", s.accountStats)
			accounts.GET("/:account_id/positions", s.accountPositions)
		}

		protected.GET("/errors/:account_id", s.errorRecord)
	}
}

func (s *Server) health(c *gin.Context) {
	sessions := s.core.ListStreaming()
	connected := 0
	for _, st := range sessions {
		if st.IsConnected {
			connected++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sessions":  len(sessions),
		"connected": connected,
	})
}
