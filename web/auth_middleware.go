package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiKeyMiddleware 校验 X-API-Key 或 Authorization: Bearer。
// WebSocket 握手无法设置请求头，允许使用 api_key 查询参数。
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.currentAPIKey()
		if expected == "" {
			respondError(c, http.StatusServiceUnavailable, "error.not_configured", nil)
			c.Abort()
			return
		}

		provided := requestAPIKey(c)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			respondError(c, http.StatusUnauthorized, "error.unauthorized", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func requestAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if upgrade := c.GetHeader("Upgrade"); strings.EqualFold(upgrade, "websocket") {
		return c.Query("api_key")
	}
	return ""
}
