package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type batchStatsRequest struct {
	AccountIDs []string `json:"accountIds" binding:"required,min=1"`
}

// POST /api/accounts/stats/batch
func (s *Server) batchAccountStats(c *gin.Context) {
	var req batchStatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	items := s.core.BatchAccountStats(c.Request.Context(), req.AccountIDs)
	c.JSON(http.StatusOK, gin.H{"success": true, "results": items})
}

// GET /api/accounts/:account_id/stats?fresh=true
func (s *Server) accountStats(c *gin.Context) {
	accountID := c.Param("account_id")
	snap, cached, err := s.core.AccountStats(c.Request.Context(), accountID, c.Query("fresh") == "true")
	if err != nil {
		respondServiceError(c, accountID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": snap, "cached": cached})
}

// GET /api/accounts/:account_id/positions
func (s *Server) accountPositions(c *gin.Context) {
	accountID := c.Param("account_id")
	positions, cached, err := s.core.OpenPositions(c.Request.Context(), accountID)
	if err != nil {
		respondServiceError(c, accountID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "positions": positions, "cached": cached})
}

// GET /api/errors/:account_id
func (s *Server) errorRecord(c *gin.Context) {
	accountID := c.Param("account_id")
	rec, err := s.core.GetErrorRecord(c.Request.Context(), accountID)
	if err != nil {
		respondServiceError(c, accountID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "record": rec})
}
