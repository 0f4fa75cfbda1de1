package web

import (
	"github.com/gin-gonic/gin"

	cmi18n "copymesh/i18n"
)

// I18nMiddleware 按 Accept-Language 选择响应语言
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("language", cmi18n.Match(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// GetLanguage 从上下文获取语言
func GetLanguage(c *gin.Context) string {
	if lang, ok := c.Get("language"); ok {
		if l, ok := lang.(string); ok {
			return l
		}
	}
	return cmi18n.GetSystemLanguage()
}

// T 按请求语言翻译
func T(c *gin.Context, key string, data map[string]interface{}) string {
	if data == nil {
		return cmi18n.TWithLang(GetLanguage(c), key)
	}
	return cmi18n.TWithLang(GetLanguage(c), key, data)
}
