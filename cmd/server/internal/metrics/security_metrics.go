package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDenialsTotal 访问门禁拒绝总数计数器
	// Labels: stage (ip/identity/role/session/stepup/ratelimit), code (IP_NOT_ALLOWED/...)
	GateDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptvault_gate_denials_total",
			Help: "Total number of access gate denials by pipeline stage and error code",
		},
		[]string{"stage", "code"},
	)

	// RateLimitRejectionsTotal 限流拒绝总数计数器
	// Labels: class (general/auth/admin/destructive/stepup/...)
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptvault_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections by traffic class",
		},
		[]string{"class"},
	)

	// VaultOperationsTotal 加密管道操作总数计数器
	// Labels: op (seal/open), status (success/error)
	VaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptvault_vault_operations_total",
			Help: "Total number of vault seal/open operations by outcome",
		},
		[]string{"op", "status"},
	)

	// AuditEventsTotal 审计事件总数计数器
	// Labels: severity (low/medium/high/critical), security ("true"/"false")
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptvault_audit_events_total",
			Help: "Total number of audit events recorded by severity",
		},
		[]string{"severity", "security"},
	)

	// AuditSinkErrors 审计持久化失败计数器
	// Record 不向调用方返回错误，失败只体现在这里和运行日志
	AuditSinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptvault_audit_sink_errors_total",
			Help: "Total number of audit sink write failures",
		},
	)

	// DefinitionActivationsTotal 版本激活操作计数器
	// Labels: status (success/conflict/error)
	DefinitionActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptvault_definition_activations_total",
			Help: "Total number of version activation attempts by outcome",
		},
		[]string{"status"},
	)
)

// RecordGateDenial 记录一次门禁拒绝
func RecordGateDenial(stage, code string) {
	GateDenialsTotal.WithLabelValues(stage, code).Inc()
}

// RecordRateLimitRejection 记录一次限流拒绝
func RecordRateLimitRejection(class string) {
	RateLimitRejectionsTotal.WithLabelValues(class).Inc()
}

// RecordVaultOperation 记录一次加密管道操作
func RecordVaultOperation(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	VaultOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordAuditEvent 记录一次审计事件计数
func RecordAuditEvent(severity string, isSecurity bool) {
	security := "false"
	if isSecurity {
		security = "true"
	}
	AuditEventsTotal.WithLabelValues(severity, security).Inc()
}

// RecordActivation 记录一次版本激活尝试计数
func RecordActivation(status string) {
	DefinitionActivationsTotal.WithLabelValues(status).Inc()
}
