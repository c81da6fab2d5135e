package audit

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed severity.yaml
var severityTableRaw []byte

// severityTable 动作派生表，启动时解析一次后只读
type severityTable struct {
	severity       map[AuditAction]Severity
	securityEvents map[AuditAction]bool
	requiresReview map[AuditAction]bool
	compliance     map[AuditAction]bool
}

type severityTableFile struct {
	Severities struct {
		Medium   []AuditAction `yaml:"medium"`
		High     []AuditAction `yaml:"high"`
		Critical []AuditAction `yaml:"critical"`
	} `yaml:"severities"`
	SecurityEvents []AuditAction `yaml:"security_events"`
	RequiresReview []AuditAction `yaml:"requires_review"`
	Compliance     []AuditAction `yaml:"compliance"`
}

// loadSeverityTable 解析嵌入的 YAML 派生表
func loadSeverityTable(raw []byte) (*severityTable, error) {
	var f severityTableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse severity table: %w", err)
	}

	t := &severityTable{
		severity:       make(map[AuditAction]Severity),
		securityEvents: make(map[AuditAction]bool),
		requiresReview: make(map[AuditAction]bool),
		compliance:     make(map[AuditAction]bool),
	}
	for _, a := range f.Severities.Medium {
		t.severity[a] = SeverityMedium
	}
	for _, a := range f.Severities.High {
		t.severity[a] = SeverityHigh
	}
	for _, a := range f.Severities.Critical {
		t.severity[a] = SeverityCritical
	}
	for _, a := range f.SecurityEvents {
		t.securityEvents[a] = true
	}
	for _, a := range f.RequiresReview {
		t.requiresReview[a] = true
	}
	for _, a := range f.Compliance {
		t.compliance[a] = true
	}
	return t, nil
}

// derive 根据动作返回派生的严重级别与标记；未登记的动作默认 low
func (t *severityTable) derive(action AuditAction) (Severity, Flags) {
	sev, ok := t.severity[action]
	if !ok {
		sev = SeverityLow
	}
	return sev, Flags{
		RequiresReview:  t.requiresReview[action],
		IsSecurityEvent: t.securityEvents[action],
		IsCompliance:    t.compliance[action],
	}
}
