package audit

import "time"

// AuditAction 审计日志操作类型（封闭枚举，新动作必须同时登记 severity 表）
type AuditAction string

const (
	// Prompt 管理
	ActionPromptCreated      AuditAction = "prompt_created"
	ActionPromptUpdated      AuditAction = "prompt_updated"
	ActionPromptVersionAdded AuditAction = "prompt_version_added"
	ActionPromptActivated    AuditAction = "prompt_activated"
	ActionPromptDeactivated  AuditAction = "prompt_deactivated"
	ActionPromptDeleted      AuditAction = "prompt_deleted"
	ActionPromptAccessed     AuditAction = "prompt_accessed"

	// 安全
	ActionUnauthorizedAccess AuditAction = "unauthorized_access"
	ActionStepUpEnrolled     AuditAction = "stepup_enrolled"
	ActionStepUpConfirmed    AuditAction = "stepup_confirmed"
	ActionStepUpFailed       AuditAction = "stepup_failed"
	ActionRateLimitExceeded  AuditAction = "rate_limit_exceeded"
	ActionSecurityAlert      AuditAction = "security_alert"

	// 运营
	ActionAnalyticsAccessed AuditAction = "analytics_accessed"
	ActionAuditReviewed     AuditAction = "audit_reviewed"
)

// Severity 审计事件严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResultStatus 操作结果状态
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusPartial ResultStatus = "partial"
)

// RequestContext 触发操作的请求上下文
type RequestContext struct {
	Method    string `json:"method,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SourceIP  string `json:"source_ip"`
	SessionID string `json:"session_id,omitempty"`
}

// Result 操作结果
type Result struct {
	Status    ResultStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
}

// Changes 操作前后快照
type Changes struct {
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
}

// Flags 需要特别关注的标记，由 severity 表派生，调用方不可伪造
type Flags struct {
	RequiresReview  bool `json:"requires_review"`
	IsSecurityEvent bool `json:"is_security_event"`
	IsCompliance    bool `json:"is_compliance"`
	IsAutomated     bool `json:"is_automated"`
}

// Metadata 附加元数据
type Metadata struct {
	DurationMs     int64    `json:"duration_ms,omitempty"`
	ResourceCount  int      `json:"resource_count,omitempty"`
	BatchID        string   `json:"batch_id,omitempty"`
	Feature        string   `json:"feature,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Review 审阅信息（事件唯一允许的后置修改）
type Review struct {
	ReviewedBy string    `json:"reviewed_by"`
	ReviewedAt time.Time `json:"reviewed_at"`
	Status     string    `json:"status"` // pending, approved, flagged, ignored
	Notes      string    `json:"notes,omitempty"`
}

// Event 管理操作审计事件，除 Review 外创建后不可变
type Event struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actor_id"`
	ActorName   string         `json:"actor_name,omitempty"`
	Action      AuditAction    `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id,omitempty"`
	TargetName  string         `json:"target_name,omitempty"`
	Description string         `json:"description"`
	Changes     *Changes       `json:"changes,omitempty"`
	Request     RequestContext `json:"request"`
	Result      Result         `json:"result"`
	Severity    Severity       `json:"severity"`
	Flags       Flags          `json:"flags"`
	Metadata    Metadata       `json:"metadata,omitempty"`
	Review      *Review        `json:"review,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ActorStats 按操作者聚合的统计结果（仅用于运营看板，不得用于访问决策）
type ActorStats struct {
	ActorID        string    `json:"actor_id"`
	ActorName      string    `json:"actor_name,omitempty"`
	TotalActions   int       `json:"total_actions"`
	SuccessActions int       `json:"success_actions"`
	FailedActions  int       `json:"failed_actions"`
	SecurityEvents int       `json:"security_events"`
	SuccessRate    float64   `json:"success_rate"`
	LastActivity   time.Time `json:"last_activity"`
}

// TrendPoint 单日操作趋势
type TrendPoint struct {
	Date         string             `json:"date"`
	TotalActions int                `json:"total_actions"`
	Actions      map[AuditAction]int `json:"actions"`
}
