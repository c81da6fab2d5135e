package audit

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d789d/live-editor-clean/cmd/server/internal/metrics"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("audit event not found")

// Entry Record 的入参；Severity 可留空，统一由派生表决定
type Entry struct {
	ActorID     string
	ActorName   string
	Action      AuditAction
	TargetType  string
	TargetID    string
	TargetName  string
	Description string
	Changes     *Changes
	Request     RequestContext
	Result      Result
	Metadata    Metadata
	Automated   bool
}

// Filter 查询过滤条件，零值字段不参与过滤
type Filter struct {
	ActorID      string
	Action       AuditAction
	TargetType   string
	TargetID     string
	Severity     Severity
	Status       ResultStatus
	SecurityOnly bool
	From         time.Time
	To           time.Time
}

// Page 分页参数
type Page struct {
	Limit  int
	Offset int
}

// Trail 追加式审计日志：内存索引负责查询，sink 负责持久化
// Record 永不向调用方返回错误，持久化失败只记录运行日志并计数
type Trail struct {
	mu     sync.RWMutex
	events []*Event
	byID   map[string]*Event

	table  *severityTable
	sink   io.Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewTrail 创建审计日志实例
// sink 可为 nil（仅内存模式，用于测试）；生产环境传入滚动 JSONL writer
func NewTrail(sink io.Writer, logger *slog.Logger) (*Trail, error) {
	table, err := loadSeverityTable(severityTableRaw)
	if err != nil {
		return nil, err
	}
	return &Trail{
		byID:   make(map[string]*Event),
		table:  table,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Record 追加一条审计事件并返回副本
// 严重级别与标记由派生表决定，调用方无法伪造
func (t *Trail) Record(entry Entry) *Event {
	severity, flags := t.table.derive(entry.Action)
	flags.IsAutomated = entry.Automated

	if entry.Result.Status == "" {
		entry.Result.Status = StatusSuccess
	}

	ev := &Event{
		ID:          uuid.NewString(),
		ActorID:     entry.ActorID,
		ActorName:   entry.ActorName,
		Action:      entry.Action,
		TargetType:  entry.TargetType,
		TargetID:    entry.TargetID,
		TargetName:  entry.TargetName,
		Description: entry.Description,
		Changes:     entry.Changes,
		Request:     entry.Request,
		Result:      entry.Result,
		Severity:    severity,
		Flags:       flags,
		Metadata:    entry.Metadata,
		CreatedAt:   t.now(),
	}

	t.mu.Lock()
	t.events = append(t.events, ev)
	t.byID[ev.ID] = ev
	t.mu.Unlock()

	metrics.RecordAuditEvent(string(ev.Severity), ev.Flags.IsSecurityEvent)

	if t.sink != nil {
		if data, err := json.Marshal(ev); err == nil {
			if _, werr := t.sink.Write(append(data, '\n')); werr != nil {
				metrics.AuditSinkErrors.Inc()
				if t.logger != nil {
					t.logger.Error("audit sink write failed", "error", werr, "event_id", ev.ID)
				}
			}
		} else {
			metrics.AuditSinkErrors.Inc()
			if t.logger != nil {
				t.logger.Error("audit event marshal failed", "error", err, "event_id", ev.ID)
			}
		}
	}

	cpy := *ev
	return &cpy
}

// Query 按过滤条件查询，按时间倒序返回
func (t *Trail) Query(filter Filter, page Page) ([]*Event, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []*Event
	for _, ev := range t.events {
		if !matches(ev, filter) {
			continue
		}
		matched = append(matched, ev)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if page.Limit <= 0 {
		page.Limit = 50
	}
	if page.Offset >= total {
		return nil, total
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}

	out := make([]*Event, 0, end-page.Offset)
	for _, ev := range matched[page.Offset:end] {
		cpy := *ev
		out = append(out, &cpy)
	}
	return out, total
}

// SecurityEvents 返回最近 N 小时内的安全事件
func (t *Trail) SecurityEvents(windowHours int) []*Event {
	if windowHours <= 0 {
		windowHours = 24
	}
	events, _ := t.Query(Filter{
		SecurityOnly: true,
		From:         t.now().Add(-time.Duration(windowHours) * time.Hour),
	}, Page{Limit: 1000})
	return events
}

// FailedEvents 返回最近 N 小时内结果为 error 的事件
func (t *Trail) FailedEvents(windowHours int) []*Event {
	if windowHours <= 0 {
		windowHours = 24
	}
	events, _ := t.Query(Filter{
		Status: StatusError,
		From:   t.now().Add(-time.Duration(windowHours) * time.Hour),
	}, Page{Limit: 1000})
	return events
}

// StatsByActor 按操作者聚合统计；时间范围可为零值（不限制）
func (t *Trail) StatsByActor(from, to time.Time) []*ActorStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	grouped := make(map[string]*ActorStats)
	for _, ev := range t.events {
		if !from.IsZero() && ev.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.CreatedAt.After(to) {
			continue
		}
		st, ok := grouped[ev.ActorID]
		if !ok {
			st = &ActorStats{ActorID: ev.ActorID, ActorName: ev.ActorName}
			grouped[ev.ActorID] = st
		}
		st.TotalActions++
		switch ev.Result.Status {
		case StatusSuccess:
			st.SuccessActions++
		case StatusError:
			st.FailedActions++
		}
		if ev.Flags.IsSecurityEvent {
			st.SecurityEvents++
		}
		if ev.CreatedAt.After(st.LastActivity) {
			st.LastActivity = ev.CreatedAt
		}
	}

	out := make([]*ActorStats, 0, len(grouped))
	for _, st := range grouped {
		if st.TotalActions > 0 {
			st.SuccessRate = float64(st.SuccessActions) / float64(st.TotalActions) * 100
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalActions > out[j].TotalActions
	})
	return out
}

// ActionTrends 返回最近 N 天按天分组的操作趋势
func (t *Trail) ActionTrends(days int) []*TrendPoint {
	if days <= 0 {
		days = 30
	}
	since := t.now().AddDate(0, 0, -days)

	t.mu.RLock()
	defer t.mu.RUnlock()

	byDate := make(map[string]*TrendPoint)
	for _, ev := range t.events {
		if ev.CreatedAt.Before(since) {
			continue
		}
		date := ev.CreatedAt.Format("2006-01-02")
		tp, ok := byDate[date]
		if !ok {
			tp = &TrendPoint{Date: date, Actions: make(map[AuditAction]int)}
			byDate[date] = tp
		}
		tp.TotalActions++
		tp.Actions[ev.Action]++
	}

	out := make([]*TrendPoint, 0, len(byDate))
	for _, tp := range byDate {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// MarkReviewed 填写审阅信息；事件其余字段保持不可变
func (t *Trail) MarkReviewed(eventID, reviewedBy, status, notes string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev, ok := t.byID[eventID]
	if !ok {
		return ErrEventNotFound
	}
	ev.Review = &Review{
		ReviewedBy: reviewedBy,
		ReviewedAt: t.now(),
		Status:     status,
		Notes:      notes,
	}
	return nil
}

func matches(ev *Event, f Filter) bool {
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.TargetType != "" && !strings.EqualFold(ev.TargetType, f.TargetType) {
		return false
	}
	if f.TargetID != "" && ev.TargetID != f.TargetID {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.Status != "" && ev.Result.Status != f.Status {
		return false
	}
	if f.SecurityOnly && !ev.Flags.IsSecurityEvent {
		return false
	}
	if !f.From.IsZero() && ev.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.CreatedAt.After(f.To) {
		return false
	}
	return true
}
