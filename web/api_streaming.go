package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"copymesh/event"
	"copymesh/storage"
)

type startStreamingRequest struct {
	AccountID  string `json:"accountId" binding:"required"`
	StrategyID string `json:"strategyId" binding:"required"`
	Category   string `json:"category"`
}

// POST /api/streaming/start
func (s *Server) startStreaming(c *gin.Context) {
	var req startStreamingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	res := s.core.StartStreaming(c.Request.Context(), req.AccountID, req.StrategyID, req.Category)
	if !res.Success {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": T(c, "streaming.started", nil),
		"session": res.Session,
	})
}

type stopStreamingRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

// POST /api/streaming/stop
func (s *Server) stopStreaming(c *gin.Context) {
	var req stopStreamingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	res := s.core.StopStreaming(req.AccountID)
	key := "streaming.stopped"
	if !res.WasRunning {
		key = "streaming.not_running"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    res.Success,
		"wasRunning": res.WasRunning,
		"message":    T(c, key, nil),
	})
}

// GET /api/streaming/status?account_id=
// 不带 account_id 时返回全部会话
func (s *Server) streamingStatus(c *gin.Context) {
	if accountID := c.Query("account_id"); accountID != "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "session": s.core.GetStreamingStatus(accountID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": s.core.ListStreaming()})
}

// GET /api/streaming/logs
func (s *Server) streamingLogs(c *gin.Context) {
	if s.feed == nil {
		respondError(c, http.StatusServiceUnavailable, "error.feed_disabled", nil)
		return
	}
	params, err := parseFeedQuery(c)
	if err != nil {
		respondInvalid(c, err)
		return
	}
	entries, total, err := s.feed.Query(c.Request.Context(), params)
	if err != nil {
		respondServiceError(c, params.AccountID, err)
		return
	}
	if entries == nil {
		entries = []*event.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"logs":    entries,
		"total":   total,
		"limit":   params.Limit,
		"offset":  params.Offset,
	})
}

// parseFeedQuery 解析查询参数，默认最近 7 天、每页 100 条、最多 1000 条
func parseFeedQuery(c *gin.Context) (storage.FeedQuery, error) {
	params := storage.FeedQuery{
		AccountID: c.Query("account_id"),
		Type:      event.EntryType(c.Query("type")),
		Keyword:   c.Query("keyword"),
		Limit:     100,
	}

	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errors.New("start_time 必须是 RFC3339 格式")
		}
		params.StartTime = t
	} else {
		params.StartTime = time.Now().AddDate(0, 0, -7)
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, errors.New("end_time 必须是 RFC3339 格式")
		}
		params.EndTime = t
	} else {
		params.EndTime = time.Now()
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return params, errors.New("limit 必须是正整数")
		}
		if limit > 1000 {
			limit = 1000
		}
		params.Limit = limit
	}
	if v := c.Query("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return params, errors.New("offset 不能为负数")
		}
		params.Offset = offset
	}
	return params, nil
}
