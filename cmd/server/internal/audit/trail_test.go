package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	trail, err := NewTrail(nil, nil)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}
	return trail
}

// TestSeverityDerivation 严重级别与标记由派生表决定
func TestSeverityDerivation(t *testing.T) {
	trail := newTestTrail(t)

	tests := []struct {
		action       AuditAction
		wantSeverity Severity
		wantSecurity bool
		wantReview   bool
	}{
		{ActionPromptDeleted, SeverityHigh, false, true},
		{ActionUnauthorizedAccess, SeverityHigh, true, false},
		{ActionStepUpFailed, SeverityMedium, true, false},
		{ActionPromptActivated, SeverityMedium, false, false},
		{ActionPromptCreated, SeverityLow, false, false},
		{ActionStepUpConfirmed, SeverityLow, true, false},
		{ActionRateLimitExceeded, SeverityMedium, false, false},
	}

	for _, tt := range tests {
		ev := trail.Record(Entry{ActorID: "a1", Action: tt.action, TargetType: "prompt"})
		if ev.Severity != tt.wantSeverity {
			t.Errorf("%s severity = %s, want %s", tt.action, ev.Severity, tt.wantSeverity)
		}
		if ev.Flags.IsSecurityEvent != tt.wantSecurity {
			t.Errorf("%s IsSecurityEvent = %v, want %v", tt.action, ev.Flags.IsSecurityEvent, tt.wantSecurity)
		}
		if ev.Flags.RequiresReview != tt.wantReview {
			t.Errorf("%s RequiresReview = %v, want %v", tt.action, ev.Flags.RequiresReview, tt.wantReview)
		}
	}
}

// TestSeverityDerivationIdempotent 相同动作重复记录派生结果一致
func TestSeverityDerivationIdempotent(t *testing.T) {
	trail := newTestTrail(t)

	ev1 := trail.Record(Entry{ActorID: "a1", Action: ActionPromptDeleted, TargetType: "prompt"})
	ev2 := trail.Record(Entry{ActorID: "a1", Action: ActionPromptDeleted, TargetType: "prompt"})

	if ev1.Severity != ev2.Severity || ev1.Flags != ev2.Flags {
		t.Fatalf("derivation not idempotent: %v/%v vs %v/%v", ev1.Severity, ev1.Flags, ev2.Severity, ev2.Flags)
	}
}

// TestRecordDefaultsStatus 未填写结果状态时默认 success
func TestRecordDefaultsStatus(t *testing.T) {
	trail := newTestTrail(t)
	ev := trail.Record(Entry{ActorID: "a1", Action: ActionPromptCreated, TargetType: "prompt"})
	if ev.Result.Status != StatusSuccess {
		t.Fatalf("default status = %s, want success", ev.Result.Status)
	}
	if ev.ID == "" || ev.CreatedAt.IsZero() {
		t.Fatalf("event missing id/timestamp")
	}
}

// TestRecordWritesSink 事件以 JSONL 形式写入 sink
func TestRecordWritesSink(t *testing.T) {
	var buf bytes.Buffer
	trail, err := NewTrail(&buf, nil)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}

	trail.Record(Entry{ActorID: "a1", Action: ActionPromptCreated, TargetType: "prompt", TargetID: "p1"})
	trail.Record(Entry{ActorID: "a2", Action: ActionPromptDeleted, TargetType: "prompt", TargetID: "p1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("sink line is not valid JSON: %v", err)
	}
	if decoded.Action != ActionPromptDeleted || decoded.Severity != SeverityHigh {
		t.Errorf("decoded event mismatch: %+v", decoded)
	}
}

// failingWriter 总是失败的 sink
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, bytes.ErrTooLarge }

// TestRecordSurvivesSinkFailure sink 失败不影响调用方
func TestRecordSurvivesSinkFailure(t *testing.T) {
	trail, err := NewTrail(failingWriter{}, nil)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}
	ev := trail.Record(Entry{ActorID: "a1", Action: ActionPromptCreated, TargetType: "prompt"})
	if ev == nil {
		t.Fatalf("Record returned nil on sink failure")
	}
	if events, total := trail.Query(Filter{}, Page{}); total != 1 || len(events) != 1 {
		t.Fatalf("event not queryable after sink failure: total=%d", total)
	}
}

// TestQueryFilters 过滤与分页
func TestQueryFilters(t *testing.T) {
	trail := newTestTrail(t)

	trail.Record(Entry{ActorID: "alice", Action: ActionPromptCreated, TargetType: "prompt", TargetID: "p1"})
	trail.Record(Entry{ActorID: "alice", Action: ActionPromptDeleted, TargetType: "prompt", TargetID: "p1",
		Result: Result{Status: StatusError, ErrorCode: "FORBIDDEN"}})
	trail.Record(Entry{ActorID: "bob", Action: ActionUnauthorizedAccess, TargetType: "prompt", TargetID: "p2",
		Result: Result{Status: StatusError}})

	if events, total := trail.Query(Filter{ActorID: "alice"}, Page{}); total != 2 || len(events) != 2 {
		t.Errorf("actor filter: total=%d len=%d, want 2/2", total, len(events))
	}
	if _, total := trail.Query(Filter{Status: StatusError}, Page{}); total != 2 {
		t.Errorf("status filter: total=%d, want 2", total)
	}
	if _, total := trail.Query(Filter{SecurityOnly: true}, Page{}); total != 1 {
		t.Errorf("security filter: total=%d, want 1", total)
	}
	if _, total := trail.Query(Filter{Action: ActionPromptDeleted}, Page{}); total != 1 {
		t.Errorf("action filter: total=%d, want 1", total)
	}

	// 分页
	events, total := trail.Query(Filter{}, Page{Limit: 2})
	if total != 3 || len(events) != 2 {
		t.Errorf("pagination: total=%d len=%d, want 3/2", total, len(events))
	}
	events, _ = trail.Query(Filter{}, Page{Limit: 2, Offset: 2})
	if len(events) != 1 {
		t.Errorf("offset page: len=%d, want 1", len(events))
	}
}

// TestSecurityEventsWindow 安全事件窗口查询
func TestSecurityEventsWindow(t *testing.T) {
	trail := newTestTrail(t)
	base := time.Now()
	trail.now = func() time.Time { return base.Add(-48 * time.Hour) }
	trail.Record(Entry{ActorID: "a1", Action: ActionStepUpFailed, TargetType: "actor"})

	trail.now = func() time.Time { return base }
	for i := 0; i < 10; i++ {
		trail.Record(Entry{ActorID: "a1", Action: ActionStepUpFailed, TargetType: "actor",
			Result: Result{Status: StatusError, ErrorCode: "STEPUP_INVALID"}})
	}

	events := trail.SecurityEvents(24)
	if len(events) != 10 {
		t.Fatalf("SecurityEvents(24) = %d events, want 10 (48h-old event excluded)", len(events))
	}
	for _, ev := range events {
		if !ev.Flags.IsSecurityEvent {
			t.Fatalf("non-security event in SecurityEvents result: %s", ev.Action)
		}
	}
}

// TestStatsByActor 按操作者聚合
func TestStatsByActor(t *testing.T) {
	trail := newTestTrail(t)

	for i := 0; i < 3; i++ {
		trail.Record(Entry{ActorID: "alice", ActorName: "Alice", Action: ActionPromptCreated, TargetType: "prompt"})
	}
	trail.Record(Entry{ActorID: "alice", Action: ActionPromptDeleted, TargetType: "prompt",
		Result: Result{Status: StatusError}})
	trail.Record(Entry{ActorID: "bob", Action: ActionUnauthorizedAccess, TargetType: "prompt",
		Result: Result{Status: StatusError}})

	stats := trail.StatsByActor(time.Time{}, time.Time{})
	if len(stats) != 2 {
		t.Fatalf("expected stats for 2 actors, got %d", len(stats))
	}
	// 按总量倒序，alice 在前
	alice := stats[0]
	if alice.ActorID != "alice" || alice.TotalActions != 4 {
		t.Fatalf("alice stats: %+v", alice)
	}
	if alice.SuccessActions != 3 || alice.FailedActions != 1 {
		t.Errorf("alice success/failed = %d/%d, want 3/1", alice.SuccessActions, alice.FailedActions)
	}
	if alice.SuccessRate != 75 {
		t.Errorf("alice success rate = %.1f, want 75", alice.SuccessRate)
	}
	bob := stats[1]
	if bob.SecurityEvents != 1 {
		t.Errorf("bob security events = %d, want 1", bob.SecurityEvents)
	}
}

// TestMarkReviewed 审阅信息可补写，其余字段不可变
func TestMarkReviewed(t *testing.T) {
	trail := newTestTrail(t)
	ev := trail.Record(Entry{ActorID: "a1", Action: ActionPromptDeleted, TargetType: "prompt"})

	if err := trail.MarkReviewed(ev.ID, "root", "approved", "checked"); err != nil {
		t.Fatalf("MarkReviewed failed: %v", err)
	}
	events, _ := trail.Query(Filter{Action: ActionPromptDeleted}, Page{})
	if events[0].Review == nil || events[0].Review.ReviewedBy != "root" {
		t.Fatalf("review not recorded: %+v", events[0].Review)
	}
	if events[0].Severity != SeverityHigh {
		t.Fatalf("review must not alter derived severity")
	}

	if err := trail.MarkReviewed("missing-id", "root", "approved", ""); err != ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

// TestActionTrends 趋势按日期聚合
func TestActionTrends(t *testing.T) {
	trail := newTestTrail(t)
	base := time.Now()

	trail.now = func() time.Time { return base.AddDate(0, 0, -1) }
	trail.Record(Entry{ActorID: "a1", Action: ActionPromptCreated, TargetType: "prompt"})
	trail.now = func() time.Time { return base }
	trail.Record(Entry{ActorID: "a1", Action: ActionPromptCreated, TargetType: "prompt"})
	trail.Record(Entry{ActorID: "a1", Action: ActionPromptActivated, TargetType: "prompt"})

	trends := trail.ActionTrends(7)
	if len(trends) != 2 {
		t.Fatalf("expected 2 trend days, got %d", len(trends))
	}
	today := trends[1]
	if today.TotalActions != 2 || today.Actions[ActionPromptActivated] != 1 {
		t.Fatalf("today trend: %+v", today)
	}
}
