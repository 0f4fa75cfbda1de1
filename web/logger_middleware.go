package web

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"copymesh/logger"
)

// GinLoggerMiddleware 请求日志写入 web 日志文件。
// logAll=false 时只记录状态码 >= 400 的请求。
func GinLoggerMiddleware(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		if !logAll && status < 400 {
			return
		}

		msg := fmt.Sprintf("[GIN] %d | %v | %s | %-7s %s",
			status, time.Since(start), c.ClientIP(), c.Request.Method, redactAPIKey(path))
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			msg += " | Error: " + errs
		}
		logger.WriteWebLog(msg)
	}
}

// redactAPIKey 日志中隐藏查询参数里的 api_key
func redactAPIKey(path string) string {
	const param = "api_key="
	for i := 0; i+len(param) <= len(path); i++ {
		if path[i:i+len(param)] != param || (i > 0 && path[i-1] != '?' && path[i-1] != '&') {
			continue
		}
		end := i + len(param)
		for end < len(path) && path[end] != '&' {
			end++
		}
		return path[:i+len(param)] + "***" + path[end:]
	}
	return path
}
