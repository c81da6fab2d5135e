package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d789d/live-editor-clean/cmd/server/internal/middleware"
)

// NewRouter 组装完整路由
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())

	startTime := time.Now()
	r.GET("/health", healthHandler(startTime))
	r.GET("/api/v1/health", healthHandler(startTime))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/v1/auth/login", h.Login)

	authed := r.Group("/api/v1", middleware.Authenticate(h.sessions))
	{
		authed.GET("/prompts/:key/active", h.GetActiveContent)
		authed.POST("/generate", h.Generate)

		admin := authed.Group("/admin")
		{
			admin.GET("/prompts", h.ListPrompts)
			admin.POST("/prompts", h.CreatePrompt)
			admin.GET("/prompts/:key", h.GetPromptForEditing)
			admin.DELETE("/prompts/:key", h.DeletePrompt)
			admin.POST("/prompts/:key/versions", h.AddVersion)
			admin.POST("/prompts/:key/activate", h.ActivatePromptVersion)
			admin.POST("/prompts/:key/deactivate", h.DeactivatePrompt)

			admin.GET("/audit", h.QueryAudit)
			admin.GET("/audit/security", h.SecurityEvents)
			admin.GET("/audit/failed", h.FailedEvents)
			admin.GET("/audit/stats", h.AuditStats)
			admin.GET("/audit/trends", h.AuditTrends)
			admin.POST("/audit/:id/review", h.ReviewAuditEvent)

			admin.POST("/stepup/enroll", h.BeginStepUpEnrollment)
			admin.POST("/stepup/confirm", h.ConfirmStepUpEnrollment)
		}
	}

	return r
}

func healthHandler(startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime_seconds": int(time.Since(startTime).Seconds()),
		})
	}
}
