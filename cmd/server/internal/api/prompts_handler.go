package api

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
	"github.com/d789d/live-editor-clean/cmd/server/internal/store"
)

const minDeleteReasonLen = 5

// CreatePrompt handles POST /api/v1/admin/prompts
func (h *Handler) CreatePrompt(c *gin.Context) {
	var req struct {
		Name              string   `json:"name"`
		Key               string   `json:"key"`
		Type              string   `json:"type"`
		Category          string   `json:"category"`
		PageType          string   `json:"page_type"`
		Description       string   `json:"description"`
		Tags              []string `json:"tags"`
		IsPublic          *bool    `json:"is_public"`
		RestrictedTo      []string `json:"restricted_to_roles"`
		RestrictedTier    []string `json:"restricted_to_tiers"`
		Content           string   `json:"content"`
		SystemInstruction string   `json:"system_instruction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		validationError(c, "name is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		validationError(c, "content is required")
		return
	}

	if !h.authorize(c, gate.ActionCreateDefinition, req.Key, "") {
		return
	}
	actor := currentActor(c)

	sealed, err := h.sealContent(req.Content, req.Key)
	if err != nil {
		h.vaultError(c, err)
		return
	}

	// Definitions are public unless the caller says otherwise.
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	def, err := h.store.CreateDefinition(store.Meta{
		Name:           req.Name,
		Key:            req.Key,
		Type:           req.Type,
		Category:       req.Category,
		PageType:       req.PageType,
		Description:    req.Description,
		Tags:           req.Tags,
		IsPublic:       isPublic,
		RestrictedTo:   req.RestrictedTo,
		RestrictedTier: req.RestrictedTier,
	}, sealed, req.SystemInstruction, actor.ID, h.vault != nil)
	if err != nil {
		h.recordMutationFailure(c, audit.ActionPromptCreated, req.Key, err)
		h.storeError(c, err)
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionPromptCreated,
		TargetType:  "prompt",
		TargetID:    def.Key,
		TargetName:  def.Name,
		Description: "created definition with initial version",
		Changes:     &audit.Changes{After: def.Name},
		Request:     requestContext(c),
	})

	successResponse(c, 201, redactDefinition(def))
}

// AddVersion handles POST /api/v1/admin/prompts/:key/versions
func (h *Handler) AddVersion(c *gin.Context) {
	key := c.Param("key")

	var req struct {
		Content           string `json:"content"`
		SystemInstruction string `json:"system_instruction"`
		Changelog         string `json:"changelog"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		validationError(c, "content is required")
		return
	}

	if !h.authorize(c, gate.ActionAddVersion, key, "") {
		return
	}
	actor := currentActor(c)

	sealed, err := h.sealContent(req.Content, key)
	if err != nil {
		h.vaultError(c, err)
		return
	}

	ordinal, err := h.store.AddVersion(key, sealed, req.SystemInstruction, actor.ID, req.Changelog, h.vault != nil)
	if err != nil {
		h.recordMutationFailure(c, audit.ActionPromptVersionAdded, key, err)
		h.storeError(c, err)
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionPromptVersionAdded,
		TargetType:  "prompt",
		TargetID:    key,
		Description: "added version " + strconv.Itoa(ordinal),
		Request:     requestContext(c),
	})

	successResponse(c, 201, gin.H{"key": key, "version": ordinal})
}

// ActivatePromptVersion handles POST /api/v1/admin/prompts/:key/activate
func (h *Handler) ActivatePromptVersion(c *gin.Context) {
	key := c.Param("key")

	var req struct {
		Version  int    `json:"version"`
		Revision string `json:"revision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	if req.Version < 1 {
		validationError(c, "version must be a positive ordinal")
		return
	}

	if !h.authorize(c, gate.ActionActivateVersion, key, "") {
		return
	}
	actor := currentActor(c)

	before := 0
	if def, err := h.store.GetByKey(key); err == nil {
		before = def.CurrentVersion
	}

	if err := h.store.ActivateVersion(key, req.Version, actor.ID, req.Revision); err != nil {
		h.recordMutationFailure(c, audit.ActionPromptActivated, key, err)
		h.storeError(c, err)
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionPromptActivated,
		TargetType:  "prompt",
		TargetID:    key,
		Description: "activated version " + strconv.Itoa(req.Version),
		Changes:     &audit.Changes{Before: before, After: req.Version},
		Request:     requestContext(c),
	})

	successResponse(c, 200, gin.H{"key": key, "active_version": req.Version})
}

// DeactivatePrompt handles POST /api/v1/admin/prompts/:key/deactivate
// Stops serving without deleting anything; a later activate resumes.
func (h *Handler) DeactivatePrompt(c *gin.Context) {
	key := c.Param("key")

	if !h.authorize(c, gate.ActionDeactivate, key, "") {
		return
	}
	actor := currentActor(c)

	before := 0
	if def, err := h.store.GetByKey(key); err == nil {
		before = def.CurrentVersion
	}

	if err := h.store.Deactivate(key, actor.ID); err != nil {
		h.recordMutationFailure(c, audit.ActionPromptDeactivated, key, err)
		h.storeError(c, err)
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionPromptDeactivated,
		TargetType:  "prompt",
		TargetID:    key,
		Description: "definition deactivated",
		Changes:     &audit.Changes{Before: before, After: 0},
		Request:     requestContext(c),
	})

	successResponse(c, 200, gin.H{"key": key, "active_version": 0})
}

// GetPromptForEditing handles GET /api/v1/admin/prompts/:key
// Owner-only path: returns every version with decrypted content.
func (h *Handler) GetPromptForEditing(c *gin.Context) {
	key := c.Param("key")

	if !h.authorize(c, gate.ActionListForEditing, key, "") {
		return
	}
	actor := currentActor(c)

	def, err := h.store.ListForEditing(key)
	if err != nil {
		h.storeError(c, err)
		return
	}
	for i := range def.Versions {
		plain, err := h.openContent(def.Versions[i].Content, key)
		if err != nil {
			h.vaultError(c, err)
			return
		}
		def.Versions[i].Content = plain
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionPromptAccessed,
		TargetType:  "prompt",
		TargetID:    key,
		Description: "full definition opened for editing",
		Request:     requestContext(c),
	})

	successResponse(c, 200, def)
}

// ListPrompts handles GET /api/v1/admin/prompts
// Supports ?q= substring search, ?type= filter and ?sort=popular.
// Content never appears in listings.
func (h *Handler) ListPrompts(c *gin.Context) {
	if !h.authorize(c, gate.ActionListDefinitions, "", "") {
		return
	}

	var defs []*store.PromptDefinition
	switch {
	case c.Query("sort") == "popular":
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		defs = h.store.PopularDefinitions(limit)
	case c.Query("type") != "":
		defs = h.store.ListByType(c.Query("type"))
	default:
		defs = h.store.Search(c.Query("q"))
	}

	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		out = append(out, redactDefinition(def))
	}
	successResponse(c, 200, out)
}

// DeletePrompt handles DELETE /api/v1/admin/prompts/:key
// Requires a justification of at least five characters and a step-up
// code. The reason is validated before the gate runs so that a
// malformed request burns no step-up or limiter budget.
func (h *Handler) DeletePrompt(c *gin.Context) {
	key := c.Param("key")

	var req struct {
		Reason     string `json:"reason"`
		StepUpCode string `json:"stepup_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body")
		return
	}
	if len(strings.TrimSpace(req.Reason)) < minDeleteReasonLen {
		validationError(c, "deletion reason must be at least 5 characters")
		return
	}

	if !h.authorize(c, gate.ActionDeleteDefinition, key, req.StepUpCode) {
		return
	}
	actor := currentActor(c)

	if err := h.store.Delete(key, actor.ID, req.Reason); err != nil {
		h.recordMutationFailure(c, audit.ActionPromptDeleted, key, err)
		h.storeError(c, err)
		return
	}

	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionPromptDeleted,
		TargetType:  "prompt",
		TargetID:    key,
		Description: "definition deleted: " + req.Reason,
		Request:     requestContext(c),
	})

	successResponse(c, 200, gin.H{"key": key, "deleted": true})
}

// usableBy applies the serving-path visibility rule. Moderators and
// owners see every definition; standard callers are bound by the
// public flag and the role and tier restriction lists.
func usableBy(def *store.PromptDefinition, actor *session.Actor) bool {
	if actor.Role == session.RoleModerator || actor.Role == session.RoleOwner {
		return true
	}
	if !def.IsPublic {
		return false
	}
	if len(def.RestrictedTo) > 0 && !slices.Contains(def.RestrictedTo, string(actor.Role)) {
		return false
	}
	if len(def.RestrictedTier) > 0 && !slices.Contains(def.RestrictedTier, actor.Tier) {
		return false
	}
	return true
}

// denyRestricted refuses a serving request for a definition the actor
// may not use and records the attempt.
func (h *Handler) denyRestricted(c *gin.Context, actor *session.Actor, key string) {
	h.trail.Record(audit.Entry{
		ActorID:     actor.ID,
		ActorName:   actor.Email,
		Action:      audit.ActionUnauthorizedAccess,
		TargetType:  "prompt",
		TargetID:    key,
		Description: "definition restricted for this actor",
		Request:     requestContext(c),
		Result:      audit.Result{Status: audit.StatusError, ErrorCode: CodeForbidden},
	})
	errorResponse(c, 403, CodeForbidden, "this content is not available to your account")
}

// GetActiveContent handles GET /api/v1/prompts/:key/active
// The serving path: decrypts the active version and redacts the
// system instruction for standard-role callers.
func (h *Handler) GetActiveContent(c *gin.Context) {
	key := c.Param("key")

	if !h.authorize(c, gate.ActionGetActiveContent, key, "") {
		return
	}
	actor := currentActor(c)

	def, err := h.store.GetByKey(key)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if !usableBy(def, actor) {
		h.denyRestricted(c, actor, key)
		return
	}

	active, err := h.store.GetActiveContent(key)
	if err != nil {
		h.storeError(c, err)
		return
	}
	plain, err := h.openContent(active.Content, key)
	if err != nil {
		h.trail.Record(audit.Entry{
			ActorID:     actor.ID,
			Action:      audit.ActionSecurityAlert,
			TargetType:  "prompt",
			TargetID:    key,
			Description: "active content failed integrity check",
			Request:     requestContext(c),
			Result:      audit.Result{Status: audit.StatusError, ErrorCode: CodeIntegrityFailure},
		})
		h.vaultError(c, err)
		return
	}
	active.Content = plain
	if actor.Role == session.RoleStandard {
		active.SystemInstruction = ""
	}

	h.trail.Record(audit.Entry{
		ActorID:    actor.ID,
		Action:     audit.ActionPromptAccessed,
		TargetType: "prompt",
		TargetID:   key,
		Request:    requestContext(c),
	})

	successResponse(c, 200, active)
}

// recordMutationFailure writes the audit event for a mutation that the
// store refused, so that failed attempts are captured too.
func (h *Handler) recordMutationFailure(c *gin.Context, action audit.AuditAction, key string, err error) {
	actor := currentActor(c)
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	h.trail.Record(audit.Entry{
		ActorID:    actorID,
		Action:     action,
		TargetType: "prompt",
		TargetID:   key,
		Request:    requestContext(c),
		Result:     audit.Result{Status: audit.StatusError, Message: err.Error()},
	})
}

// redactDefinition strips version contents from a definition view.
func redactDefinition(def *store.PromptDefinition) gin.H {
	return gin.H{
		"key":                 def.Key,
		"name":                def.Name,
		"type":                def.Type,
		"category":            def.Category,
		"page_type":           def.PageType,
		"description":         def.Description,
		"tags":                def.Tags,
		"is_public":           def.IsPublic,
		"is_active":           def.IsActive,
		"restricted_to_roles": def.RestrictedTo,
		"restricted_to_tiers": def.RestrictedTier,
		"current_version":     def.CurrentVersion,
		"version_count":       len(def.Versions),
		"usage":               def.Usage,
		"created_by":          def.CreatedBy,
		"created_at":          def.CreatedAt,
		"updated_at":          def.UpdatedAt,
		"revision":            def.Revision,
	}
}
