package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OwnerKey 上下文中调用方身份的键名
const OwnerKey = "owner"

// OwnerHeader 承载调用方身份的请求头。
// 认证与计费在上游网关完成，本服务信任该头的取值。
const OwnerHeader = "X-Owner-Address"

// RequirePrincipal 从请求头解出调用方身份，缺失时拒绝请求。
func RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "缺少调用方身份",
			})
			return
		}
		c.Set(OwnerKey, owner)
		c.Next()
	}
}

// Owner 读取当前请求的调用方身份。
func Owner(c *gin.Context) string {
	owner, _ := c.Get(OwnerKey)
	s, _ := owner.(string)
	return s
}
