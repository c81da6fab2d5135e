package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
	"github.com/d789d/live-editor-clean/cmd/server/internal/metrics"
	"github.com/d789d/live-editor-clean/cmd/server/internal/ratelimit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
	"github.com/d789d/live-editor-clean/cmd/server/internal/store"
	"github.com/d789d/live-editor-clean/cmd/server/internal/textgen"
	"github.com/d789d/live-editor-clean/cmd/server/internal/vault"
	"github.com/d789d/live-editor-clean/pkg/logger"
)

// Deps 处理器依赖
type Deps struct {
	Store    *store.Store
	Vault    *vault.Vault // nil 表示内容明文存储
	Trail    *audit.Trail
	Gate     *gate.Gate
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Gen      textgen.Generator
	Logger   *slog.Logger
}

// Handler 聚合所有 HTTP 处理器的依赖
type Handler struct {
	store    *store.Store
	vault    *vault.Vault
	trail    *audit.Trail
	gate     *gate.Gate
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	gen      textgen.Generator
	logger   *slog.Logger
}

// NewHandler 创建处理器实例
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		store:    d.Store,
		vault:    d.Vault,
		trail:    d.Trail,
		gate:     d.Gate,
		sessions: d.Sessions,
		limiter:  d.Limiter,
		gen:      d.Gen,
		logger:   d.Logger,
	}
}

// authorize 运行门禁管道；拒绝时写审计并返回错误信封
// 返回 false 表示请求已被处理，调用方直接 return
func (h *Handler) authorize(c *gin.Context, action gate.Action, targetID, stepUpCode string) bool {
	actor := currentActor(c)
	denial := h.gate.Authorize(gate.Request{
		Actor:      actor,
		SourceIP:   c.ClientIP(),
		Action:     action,
		StepUpCode: stepUpCode,
	})
	if denial == nil {
		return true
	}

	actorID := ""
	actorName := ""
	if actor != nil {
		actorID = actor.ID
		actorName = actor.Email
	}
	h.trail.Record(audit.Entry{
		ActorID:     actorID,
		ActorName:   actorName,
		Action:      denial.AuditAction,
		TargetType:  "prompt",
		TargetID:    targetID,
		Description: string(action) + " denied: " + string(denial.Code),
		Request:     requestContext(c),
		Result: audit.Result{
			Status:    audit.StatusError,
			ErrorCode: string(denial.Code),
			Message:   denial.Message,
		},
	})

	logger.LogSecurityEvent(h.logger, string(denial.AuditAction), actorID, c.ClientIP(),
		string(action)+" denied at stage "+denial.Stage)

	if denial.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(denial.RetryAfter.Seconds())))
	}
	errorResponse(c, denial.HTTPStatus, string(denial.Code), denial.Message)
	return false
}

// sealContent 在启用 vault 时把明文封装为信封 JSON，scope 取定义 key，
// 同一定义的所有版本共享派生密钥
func (h *Handler) sealContent(plaintext, scope string) (string, error) {
	if h.vault == nil {
		return plaintext, nil
	}
	env, err := h.vault.Seal(plaintext, scope)
	metrics.RecordVaultOperation("seal", err)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// openContent 还原版本内容。无法解析为信封的内容视为 vault 启用前的
// 明文；解析成功后的解密失败一律向上抛出，绝不降级返回密文
func (h *Handler) openContent(stored, scope string) (string, error) {
	if h.vault == nil {
		return stored, nil
	}
	var env vault.Envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil || env.Data == "" {
		return stored, nil
	}
	plaintext, err := h.vault.Open(&env, scope)
	metrics.RecordVaultOperation("open", err)
	return plaintext, err
}

// storeError 把存储层错误映射为响应信封
func (h *Handler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrDefinitionNotFound), errors.Is(err, store.ErrVersionNotFound):
		errorResponse(c, 404, CodeNotFound, err.Error())
	case errors.Is(err, store.ErrDefinitionDeleted):
		errorResponse(c, 410, CodeNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateKey):
		errorResponse(c, 409, CodeDuplicateKey, err.Error())
	case errors.Is(err, store.ErrConflict):
		errorResponse(c, 409, CodeConflict, err.Error())
	case errors.Is(err, store.ErrInvalidKey):
		validationError(c, err.Error())
	default:
		h.logger.Error("Store operation failed", "error", err)
		errorResponse(c, 500, CodeInternalError, "internal error")
	}
}

// vaultError 把加密管道错误映射为响应信封
func (h *Handler) vaultError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrExpiredEnvelope):
		errorResponse(c, 410, CodeEnvelopeExpired, "content envelope has expired")
	case errors.Is(err, vault.ErrIntegrityFailure), errors.Is(err, vault.ErrInvalidEnvelope):
		errorResponse(c, 500, CodeIntegrityFailure, "content integrity check failed")
	default:
		h.logger.Error("Vault operation failed", "error", err)
		errorResponse(c, 500, CodeInternalError, "internal error")
	}
}
