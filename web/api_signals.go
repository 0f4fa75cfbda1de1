package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"copymesh/model"
)

type syncRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Category  string `json:"category"`
}

// POST /api/signals/sync 手动全量对账
func (s *Server) syncSignals(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.Category == "" {
		req.Category = "forex"
	}
	res := s.core.SyncFromPositions(c.Request.Context(), req.AccountID, req.Category)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

// GET /api/signals?account_id=&status=
func (s *Server) listSignals(c *gin.Context) {
	status := model.SignalStatus(c.Query("status"))
	if status != "" && status != model.SignalOpen && status != model.SignalClosed {
		respondError(c, http.StatusBadRequest, "error.invalid_request",
			map[string]interface{}{"Detail": "status 只能是 OPEN 或 CLOSED"})
		return
	}
	signals, err := s.core.ListSignals(c.Request.Context(), c.Query("account_id"), status)
	if err != nil {
		respondServiceError(c, c.Query("account_id"), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "signals": signals, "total": len(signals)})
}
