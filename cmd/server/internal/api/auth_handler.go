package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/ratelimit"
)

// Login handles POST /api/v1/auth/login
// 登录在认证中间件之外，限流按提交的 actor id 与来源 IP 计数，
// 失败尝试额外计入 auth 类额度
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		ID       string `json:"id"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" || req.Password == "" {
		validationError(c, "id and password are required")
		return
	}

	res := h.limiter.Check(ratelimit.ClassAuth, req.ID, c.ClientIP())
	if !res.Allowed {
		h.trail.Record(audit.Entry{
			ActorID:    req.ID,
			Action:     audit.ActionRateLimitExceeded,
			TargetType: "actor",
			TargetID:   req.ID,
			Request:    requestContext(c),
			Result:     audit.Result{Status: audit.StatusError, ErrorCode: "RATE_LIMITED"},
		})
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
		errorResponse(c, 429, "RATE_LIMITED", "too many login attempts")
		return
	}

	actor, err := h.sessions.Authenticate(req.ID, req.Password)
	if err != nil {
		h.limiter.RecordFailure(ratelimit.ClassAuth, req.ID, c.ClientIP())
		h.trail.Record(audit.Entry{
			ActorID:    req.ID,
			Action:     audit.ActionUnauthorizedAccess,
			TargetType: "actor",
			TargetID:   req.ID,
			Request:    requestContext(c),
			Result:     audit.Result{Status: audit.StatusError, ErrorCode: "INVALID_CREDENTIALS"},
		})
		errorResponse(c, 401, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}
	if !actor.Active {
		errorResponse(c, 403, CodeForbidden, "account is not active")
		return
	}

	token, err := h.sessions.IssueToken(actor.ID)
	if err != nil {
		h.logger.Error("Token issue failed", "error", err)
		errorResponse(c, 500, CodeInternalError, "internal error")
		return
	}

	successResponse(c, 200, gin.H{
		"token": token,
		"actor": actor,
	})
}
