package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
)

// QueryAudit handles GET /api/v1/admin/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	if !h.authorize(c, gate.ActionQueryAudit, "", "") {
		return
	}

	filter := audit.Filter{
		ActorID:    c.Query("actor_id"),
		Action:     audit.AuditAction(c.Query("action")),
		TargetType: c.Query("target_type"),
		TargetID:   c.Query("target_id"),
		Severity:   audit.Severity(c.Query("severity")),
		Status:     audit.ResultStatus(c.Query("status")),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			validationError(c, "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			validationError(c, "to must be RFC3339")
			return
		}
		filter.To = t
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, total := h.trail.Query(filter, audit.Page{Limit: limit, Offset: offset})
	successResponse(c, 200, gin.H{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// SecurityEvents handles GET /api/v1/admin/audit/security
func (h *Handler) SecurityEvents(c *gin.Context) {
	if !h.authorize(c, gate.ActionQueryAudit, "", "") {
		return
	}
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	events := h.trail.SecurityEvents(hours)
	successResponse(c, 200, gin.H{"events": events, "window_hours": hours})
}

// FailedEvents handles GET /api/v1/admin/audit/failed
func (h *Handler) FailedEvents(c *gin.Context) {
	if !h.authorize(c, gate.ActionQueryAudit, "", "") {
		return
	}
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	events := h.trail.FailedEvents(hours)
	successResponse(c, 200, gin.H{"events": events, "window_hours": hours})
}

// AuditStats handles GET /api/v1/admin/audit/stats
func (h *Handler) AuditStats(c *gin.Context) {
	if !h.authorize(c, gate.ActionViewAnalytics, "", "") {
		return
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			validationError(c, "from must be RFC3339")
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			validationError(c, "to must be RFC3339")
			return
		}
		to = t
	}

	actor := currentActor(c)
	stats := h.trail.StatsByActor(from, to)
	h.trail.Record(audit.Entry{
		ActorID:    actor.ID,
		ActorName:  actor.Email,
		Action:     audit.ActionAnalyticsAccessed,
		TargetType: "audit",
		Request:    requestContext(c),
	})
	successResponse(c, 200, gin.H{"stats": stats})
}

// AuditTrends handles GET /api/v1/admin/audit/trends
func (h *Handler) AuditTrends(c *gin.Context) {
	if !h.authorize(c, gate.ActionViewAnalytics, "", "") {
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	successResponse(c, 200, gin.H{"trends": h.trail.ActionTrends(days)})
}

// ReviewAuditEvent handles POST /api/v1/admin/audit/:id/review
func (h *Handler) ReviewAuditEvent(c *gin.Context) {
	eventID := c.Param("id")

	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	switch req.Status {
	case "approved", "flagged", "ignored":
	default:
		validationError(c, "status must be approved, flagged or ignored")
		return
	}

	if !h.authorize(c, gate.ActionQueryAudit, eventID, "") {
		return
	}
	actor := currentActor(c)

	if err := h.trail.MarkReviewed(eventID, actor.ID, req.Status, req.Notes); err != nil {
		errorResponse(c, 404, CodeNotFound, "audit event not found")
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionAuditReviewed,
		TargetType:  "audit",
		TargetID:    eventID,
		Description: "event reviewed: " + req.Status,
		Request:     requestContext(c),
	})
	successResponse(c, 200, gin.H{"id": eventID, "review_status": req.Status})
}
