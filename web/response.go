package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"copymesh/database"
	"copymesh/gateway"
	"copymesh/logger"
	"copymesh/safety"
)

// respondError 统一错误响应
func respondError(c *gin.Context, status int, key string, data map[string]interface{}) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   T(c, key, data),
	})
}

func respondInvalid(c *gin.Context, err error) {
	respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
}

// respondServiceError 按错误类别映射状态码
func respondServiceError(c *gin.Context, accountID string, err error) {
	switch {
	case safety.IsConfigError(err):
		respondError(c, http.StatusBadRequest, "error.invalid_risk_config", map[string]interface{}{"Detail": err.Error()})
	case errors.Is(err, database.ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		respondError(c, http.StatusNotFound, "error.account_not_found", map[string]interface{}{"AccountID": accountID})
	case errors.Is(err, gateway.ErrNoMode),
		errors.Is(err, gateway.ErrUpstream),
		errors.Is(err, gateway.ErrTimeout),
		errors.Is(err, gateway.ErrRateLimited),
		errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrDegraded):
		respondError(c, http.StatusBadGateway, "error.upstream", map[string]interface{}{"Detail": gateway.Classify(err)})
	default:
		logger.Error("❌ 请求 %s 失败: %v", c.Request.URL.Path, err)
		respondError(c, http.StatusInternalServerError, "error.internal", map[string]interface{}{"Detail": err.Error()})
	}
}
