// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"

	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware 检查用户是否具有管理员权限。
// 管理端暴露全量转录查询，被拒绝的访问会记录日志以便审计。
// 此中间件必须在 AuthMiddleware 之后使用。
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从 AuthMiddleware 设置的上下文中获取 user 对象
		userValue, exists := c.Get("user")
		if !exists {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "无法获取用户信息"})
			return
		}

		user, ok := userValue.(*model.User)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "用户数据类型错误"})
			return
		}

		if user.Role != "ADMIN" {
			log.Warnw("非管理员访问管理端接口被拒绝",
				"username", user.Username,
				"path", c.Request.URL.Path,
				"clientIP", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "权限不足，需要管理员权限"})
			return
		}

		c.Next()
	}
}
