package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Class identifies an independently configured traffic class.
type Class string

const (
	ClassGeneral       Class = "general"
	ClassAuth          Class = "auth"
	ClassPasswordReset Class = "password_reset"
	ClassTextGen       Class = "textgen"
	ClassAdmin         Class = "admin"
	ClassDestructive   Class = "destructive"
	ClassStepUp        Class = "stepup"
)

// countsFailures marks classes that record rejected or failed attempts so
// that brute-force retries keep burning the caller's own budget.
var countsFailures = map[Class]bool{
	ClassAuth:   true,
	ClassStepUp: true,
}

// Limit is a window definition for one class.
type Limit struct {
	Window time.Duration
	Max    int
}

// Result reports the outcome of a limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// CounterStore abstracts the shared counter state so the in-process
// implementation can be swapped for an external store without touching the
// limiter contract. Implementations must be safe for concurrent use.
type CounterStore interface {
	// Count returns the number of recorded hits for key at or after since.
	Count(key string, since time.Time) int
	// Increment records one hit for key at the given instant.
	Increment(key string, at time.Time)
	// Prune drops hits recorded before the given instant.
	Prune(key string, before time.Time)
}

// Limiter applies per-class window limits keyed by (class, actor, ip).
// The mutex serializes the prune-count-increment sequence in Check so
// that two concurrent calls at the budget edge cannot both pass. A
// shared external store would instead need a combined check-and-
// increment operation on the store itself.
type Limiter struct {
	mu      sync.Mutex
	store   CounterStore
	classes map[Class]Limit
	now     func() time.Time
}

// NewLimiter builds a limiter over the given store and class table.
func NewLimiter(store CounterStore, classes map[Class]Limit) *Limiter {
	return &Limiter{store: store, classes: classes, now: time.Now}
}

// Check purges stale hits for the key, then either records-and-allows or
// rejects. Rejections are recorded only for classes that count failures.
func (l *Limiter) Check(class Class, actorID, ip string) Result {
	limit, ok := l.classes[class]
	if !ok {
		// Unconfigured class never blocks; misconfiguration must not
		// lock administrators out.
		return Result{Allowed: true, Remaining: -1}
	}

	key := limiterKey(class, actorID, ip)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Prune(key, now.Add(-limit.Window))

	used := l.store.Count(key, now.Add(-limit.Window))
	if used >= limit.Max {
		if countsFailures[class] {
			l.store.Increment(key, now)
		}
		return Result{Allowed: false, RetryAfter: limit.Window}
	}

	l.store.Increment(key, now)
	return Result{Allowed: true, Remaining: limit.Max - used - 1}
}

// RecordFailure charges one extra hit against the key. Used by callers that
// want failed attempts (invalid step-up codes, bad credentials) to count even
// though the limiter check itself passed.
func (l *Limiter) RecordFailure(class Class, actorID, ip string) {
	if _, ok := l.classes[class]; !ok {
		return
	}
	l.store.Increment(limiterKey(class, actorID, ip), l.now())
}

// Exceeded reports whether the key's window budget is already spent,
// without recording an attempt.
func (l *Limiter) Exceeded(class Class, actorID, ip string) bool {
	limit, ok := l.classes[class]
	if !ok {
		return false
	}
	key := limiterKey(class, actorID, ip)
	return l.store.Count(key, l.now().Add(-limit.Window)) >= limit.Max
}

// Limit exposes the configured limit for a class (zero value if absent).
func (l *Limiter) Limit(class Class) Limit {
	return l.classes[class]
}

func limiterKey(class Class, actorID, ip string) string {
	if actorID == "" {
		actorID = "anonymous"
	}
	return fmt.Sprintf("%s:%s:%s", class, actorID, ip)
}

// MemoryStore is the single-process CounterStore: per-key timestamp slices
// pruned lazily under one mutex.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

// Count implements CounterStore.
func (m *MemoryStore) Count(key string, since time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ts := range m.hits[key] {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

// Increment implements CounterStore.
func (m *MemoryStore) Increment(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[key] = append(m.hits[key], at)
}

// Prune implements CounterStore.
func (m *MemoryStore) Prune(key string, before time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.hits[key]
	if len(old) == 0 {
		return
	}
	kept := old[:0]
	for _, ts := range old {
		if !ts.Before(before) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(m.hits, key)
		return
	}
	m.hits[key] = kept
}
