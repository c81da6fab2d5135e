package api

import (
	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/middleware"
	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
)

// Error codes
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeConflict         = "CONFLICT"
	CodeDuplicateKey     = "DUPLICATE_KEY"
	CodeIntegrityFailure = "INTEGRITY_FAILURE"
	CodeEnvelopeExpired  = "ENVELOPE_EXPIRED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// currentActor 获取认证中间件注入的操作者
func currentActor(c *gin.Context) *session.Actor {
	if actor, ok := middleware.ActorFrom(c); ok {
		return actor
	}
	return nil
}

// errorResponse 返回稳定的错误信封 {success:false, code, message}
func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"code":    code,
		"message": message,
	})
}

// successResponse 返回成功响应
func successResponse(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}

// validationError 返回 400 响应
func validationError(c *gin.Context, message string) {
	errorResponse(c, 400, CodeValidationError, message)
}

// requestContext 从 gin 请求构造审计用上下文
func requestContext(c *gin.Context) audit.RequestContext {
	reqID, _ := c.Get("request_id")
	rid, _ := reqID.(string)
	return audit.RequestContext{
		Method:    c.Request.Method,
		Endpoint:  c.FullPath(),
		UserAgent: c.Request.UserAgent(),
		SourceIP:  c.ClientIP(),
		SessionID: rid,
	}
}
