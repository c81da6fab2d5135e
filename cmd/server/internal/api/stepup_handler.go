package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
)

// BeginStepUpEnrollment handles POST /api/v1/admin/stepup/enroll
func (h *Handler) BeginStepUpEnrollment(c *gin.Context) {
	if !h.authorize(c, gate.ActionStepUpEnroll, "", "") {
		return
	}
	actor := currentActor(c)

	enr, err := h.gate.StepUpManager().BeginEnrollment(actor.ID, actor.Email)
	if err != nil {
		if errors.Is(err, gate.ErrAlreadyEnrolled) {
			errorResponse(c, 409, CodeConflict, "step-up already confirmed")
			return
		}
		h.logger.Error("Step-up enrollment failed", "error", err)
		errorResponse(c, 500, CodeInternalError, "internal error")
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:    actor.ID,
		ActorName:  actor.Email,
		Action:     audit.ActionStepUpEnrolled,
		TargetType: "actor",
		TargetID:   actor.ID,
		Request:    requestContext(c),
	})

	// Secret and backup codes are shown exactly once.
	successResponse(c, 200, enr)
}

// ConfirmStepUpEnrollment handles POST /api/v1/admin/stepup/confirm
func (h *Handler) ConfirmStepUpEnrollment(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		validationError(c, "code is required")
		return
	}

	if !h.authorize(c, gate.ActionStepUpEnroll, "", "") {
		return
	}
	actor := currentActor(c)

	if err := h.gate.StepUpManager().ConfirmEnrollment(actor.ID, req.Code); err != nil {
		h.trail.Record(audit.Entry{
			ActorID:    actor.ID,
			ActorName:  actor.Email,
			Action:     audit.ActionStepUpFailed,
			TargetType: "actor",
			TargetID:   actor.ID,
			Request:    requestContext(c),
			Result:     audit.Result{Status: audit.StatusError, Message: err.Error()},
		})
		switch {
		case errors.Is(err, gate.ErrEnrollmentNotFound):
			errorResponse(c, 404, CodeNotFound, "no pending enrollment")
		case errors.Is(err, gate.ErrEnrollmentExpired):
			errorResponse(c, 410, CodeValidationError, "enrollment expired, start again")
		case errors.Is(err, gate.ErrAlreadyEnrolled):
			errorResponse(c, 409, CodeConflict, "step-up already confirmed")
		default:
			errorResponse(c, 403, CodeForbidden, "step-up code rejected")
		}
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:    actor.ID,
		ActorName:  actor.Email,
		Action:     audit.ActionStepUpConfirmed,
		TargetType: "actor",
		TargetID:   actor.ID,
		Request:    requestContext(c),
	})
	successResponse(c, 200, gin.H{"confirmed": true})
}
