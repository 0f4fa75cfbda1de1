package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"copymesh/safety"
)

type evaluateRequest struct {
	UserID    string        `json:"userId"`
	AccountID string        `json:"accountId" binding:"required"`
	Action    safety.Action `json:"action" binding:"required"`
}

// POST /api/risk/evaluate
func (s *Server) evaluateRisk(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	decision, err := s.core.EvaluateRisk(c.Request.Context(), req.UserID, req.AccountID, req.Action)
	if err != nil {
		respondServiceError(c, req.AccountID, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

type batchEvaluateRequest struct {
	UserID     string        `json:"userId"`
	AccountIDs []string      `json:"accountIds" binding:"required,min=1"`
	Action     safety.Action `json:"action" binding:"required"`
}

// POST /api/risk/evaluate/batch，单个账户失败体现在结果项中
func (s *Server) batchEvaluateRisk(c *gin.Context) {
	var req batchEvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	items := s.core.BatchEvaluateRisk(c.Request.Context(), req.UserID, req.AccountIDs, req.Action)
	c.JSON(http.StatusOK, gin.H{"success": true, "results": items})
}

// GET /api/risk/status?user_id=&account_id=
func (s *Server) riskStatus(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		respondError(c, http.StatusBadRequest, "error.invalid_request",
			map[string]interface{}{"Detail": "缺少 account_id"})
		return
	}
	st, err := s.core.GetRiskStatus(c.Request.Context(), c.Query("user_id"), accountID)
	if err != nil {
		respondServiceError(c, accountID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": st})
}
