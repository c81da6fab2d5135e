package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
)

const actorContextKey = "actor"

// Authenticate 解析 Bearer token 并把 Actor 注入 context
// 失败直接返回 401，后续门禁检查不再处理匿名请求
func Authenticate(resolver session.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"code":    "UNAUTHENTICATED",
				"message": "missing bearer token",
			})
			return
		}

		actor, err := resolver.Resolve(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}

		c.Set(actorContextKey, actor)
		c.Next()
	}
}

// ActorFrom 读取中间件注入的 Actor
func ActorFrom(c *gin.Context) (*session.Actor, bool) {
	v, ok := c.Get(actorContextKey)
	if !ok {
		return nil, false
	}
	actor, ok := v.(*session.Actor)
	return actor, ok
}
