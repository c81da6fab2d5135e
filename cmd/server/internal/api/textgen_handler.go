package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
	"github.com/d789d/live-editor-clean/cmd/server/internal/textgen"
)

// Generate handles POST /api/v1/generate
// 解密后的内容只进入生成请求的 System 字段，不落日志、不回传
func (h *Handler) Generate(c *gin.Context) {
	var req struct {
		Key         string            `json:"key"`
		Model       string            `json:"model"`
		MaxTokens   int               `json:"max_tokens"`
		Temperature float64           `json:"temperature"`
		Messages    []textgen.Message `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	if req.Key == "" || req.Model == "" {
		validationError(c, "key and model are required")
		return
	}
	if len(req.Messages) == 0 {
		validationError(c, "messages must not be empty")
		return
	}

	if !h.authorize(c, gate.ActionGenerateText, req.Key, "") {
		return
	}
	actor := currentActor(c)

	def, err := h.store.GetByKey(req.Key)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if !usableBy(def, actor) {
		h.denyRestricted(c, actor, req.Key)
		return
	}

	active, err := h.store.GetActiveContent(req.Key)
	if err != nil {
		h.storeError(c, err)
		return
	}
	system, err := h.openContent(active.Content, req.Key)
	if err != nil {
		h.vaultError(c, err)
		return
	}
	if active.SystemInstruction != "" {
		system = active.SystemInstruction + "\n\n" + system
	}

	start := time.Now()
	resp, err := h.gen.Generate(c.Request.Context(), textgen.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    req.Messages,
		System:      system,
	})
	latency := time.Since(start)

	tokens := 0
	if resp != nil {
		tokens = resp.InputTokens + resp.OutputTokens
	}
	if statErr := h.store.UpdateUsageStats(req.Key, err == nil, float64(latency.Milliseconds()), tokens); statErr != nil {
		h.logger.Warn("Usage stat update failed", "key", req.Key, "error", statErr)
	}

	h.trail.Record(audit.Entry{
		ActorID:    actor.ID,
		Action:     audit.ActionPromptAccessed,
		TargetType: "prompt",
		TargetID:   req.Key,
		Request:    requestContext(c),
		Metadata:   audit.Metadata{DurationMs: latency.Milliseconds(), Feature: "textgen"},
	})

	if err != nil {
		h.logger.Error("Generation failed", "key", req.Key, "error", err)
		errorResponse(c, 502, CodeInternalError, "text generation failed")
		return
	}

	successResponse(c, 200, gin.H{
		"text":           resp.Text,
		"input_tokens":   resp.InputTokens,
		"output_tokens":  resp.OutputTokens,
		"prompt_version": active.Version,
	})
}
