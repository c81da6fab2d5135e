package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d789d/live-editor-clean/cmd/server/internal/metrics"
)

var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrVersionNotFound    = errors.New("version not found")
	ErrDuplicateKey       = errors.New("definition key already exists")
	ErrConflict           = errors.New("definition modified concurrently")
	ErrDefinitionDeleted  = errors.New("definition has been deleted")
	ErrInvalidKey         = errors.New("invalid definition key")
)

// Keys are machine identifiers, lowercase letters and underscores only.
// The pattern doubles as path-traversal protection for the snapshot files.
var keyPattern = regexp.MustCompile(`^[a-z_]+$`)

// Store holds prompt definitions in memory and snapshots each one to
// a JSON file under the data directory. All mutations go through the
// store mutex; the per-definition Revision token detects lost races
// across read-modify-write API cycles.
type Store struct {
	mu      sync.RWMutex
	defs    map[string]*PromptDefinition
	dir     string
	weights ScoreWeights
	logger  *slog.Logger

	now func() time.Time
}

// New creates a store backed by dir and loads every existing snapshot.
func New(dir string, weights ScoreWeights, logger *slog.Logger) (*Store, error) {
	if weights == (ScoreWeights{}) {
		weights = DefaultScoreWeights
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &Store{
		defs:    make(map[string]*PromptDefinition),
		dir:     dir,
		weights: weights,
		logger:  logger,
		now:     time.Now,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", path, err)
		}
		var def PromptDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			s.logger.Warn("Skipping corrupt definition snapshot", "path", path, "error", err)
			continue
		}
		if !keyPattern.MatchString(def.Key) {
			s.logger.Warn("Skipping snapshot with invalid key", "path", path, "key", def.Key)
			continue
		}
		s.defs[def.Key] = &def
	}
	return nil
}

// saveLocked snapshots one definition. Caller holds the write lock.
func (s *Store) saveLocked(def *PromptDefinition) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s.json", def.Key))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// CreateDefinition registers a new definition with its first version.
// The initial version is created active, so the definition serves
// immediately; a later ActivateVersion of version 1 is a no-op.
// encrypted records whether the caller sealed the content before
// handing it over; false means the version is deliberately stored as
// plaintext.
func (s *Store) CreateDefinition(meta Meta, initialContent, systemInstruction, author string, encrypted bool) (*PromptDefinition, error) {
	if !keyPattern.MatchString(meta.Key) {
		return nil, fmt.Errorf("%w: %q must match %s", ErrInvalidKey, meta.Key, keyPattern)
	}
	if meta.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[meta.Key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, meta.Key)
	}

	now := s.now()
	def := &PromptDefinition{
		Key:            meta.Key,
		Name:           meta.Name,
		Type:           meta.Type,
		Category:       meta.Category,
		PageType:       meta.PageType,
		Description:    meta.Description,
		Tags:           append([]string(nil), meta.Tags...),
		IsPublic:       meta.IsPublic,
		IsActive:       true,
		RestrictedTo:   append([]string(nil), meta.RestrictedTo...),
		RestrictedTier: append([]string(nil), meta.RestrictedTier...),
		Versions: []PromptVersion{{
			Version:           1,
			Content:           initialContent,
			SystemInstruction: systemInstruction,
			Changelog:         "initial version",
			IsActive:          true,
			Encrypted:         encrypted,
			CreatedBy:         author,
			CreatedAt:         now,
		}},
		CurrentVersion: 1,
		CreatedBy:      author,
		CreatedAt:      now,
		UpdatedAt:      now,
		Revision:       uuid.NewString(),
	}

	if err := s.saveLocked(def); err != nil {
		return nil, err
	}
	s.defs[def.Key] = def
	return def.clone(), nil
}

// AddVersion appends a new inactive version and returns its ordinal.
func (s *Store) AddVersion(key, content, systemInstruction, author, changelog string, encrypted bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.getLocked(key)
	if err != nil {
		return 0, err
	}

	ordinal := 0
	for _, v := range def.Versions {
		if v.Version > ordinal {
			ordinal = v.Version
		}
	}
	ordinal++

	next := def.clone()
	next.Versions = append(next.Versions, PromptVersion{
		Version:           ordinal,
		Content:           content,
		SystemInstruction: systemInstruction,
		Changelog:         changelog,
		Encrypted:         encrypted,
		CreatedBy:         author,
		CreatedAt:         s.now(),
	})
	next.LastModifiedBy = author
	next.UpdatedAt = s.now()
	next.Revision = uuid.NewString()

	if err := s.saveLocked(next); err != nil {
		return 0, err
	}
	s.defs[key] = next
	return ordinal, nil
}

// ActivateVersion makes exactly one version active: every flag is
// cleared, the requested version is set, and the current-version
// pointer is updated in a single copy-on-write swap. Readers never
// observe an intermediate state.
//
// expectedRevision, when non-empty, must match the definition's
// current token; a mismatch means another writer won the race and
// the caller gets ErrConflict.
func (s *Store) ActivateVersion(key string, ordinal int, activatedBy, expectedRevision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.getLocked(key)
	if err != nil {
		metrics.RecordActivation("error")
		return err
	}
	if expectedRevision != "" && def.Revision != expectedRevision {
		metrics.RecordActivation("conflict")
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}

	next := def.clone()
	found := false
	for i := range next.Versions {
		next.Versions[i].IsActive = next.Versions[i].Version == ordinal
		if next.Versions[i].Version == ordinal {
			found = true
		}
	}
	if !found {
		metrics.RecordActivation("error")
		return fmt.Errorf("%w: %s version %d", ErrVersionNotFound, key, ordinal)
	}
	next.CurrentVersion = ordinal
	next.IsActive = true
	next.LastModifiedBy = activatedBy
	next.UpdatedAt = s.now()
	next.Revision = uuid.NewString()

	if err := s.saveLocked(next); err != nil {
		metrics.RecordActivation("error")
		return err
	}
	s.defs[key] = next
	metrics.RecordActivation("success")
	return nil
}

// Deactivate clears the active flag from every version.
func (s *Store) Deactivate(key, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.getLocked(key)
	if err != nil {
		return err
	}
	next := def.clone()
	for i := range next.Versions {
		next.Versions[i].IsActive = false
	}
	next.CurrentVersion = 0
	next.IsActive = false
	next.LastModifiedBy = actor
	next.UpdatedAt = s.now()
	next.Revision = uuid.NewString()

	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.defs[key] = next
	return nil
}

// GetActiveContent returns the serving view of the active version.
func (s *Store) GetActiveContent(key string) (*ActiveContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, err := s.getLocked(key)
	if err != nil {
		return nil, err
	}
	for _, v := range def.Versions {
		if v.IsActive {
			return &ActiveContent{
				Key:               def.Key,
				Version:           v.Version,
				Content:           v.Content,
				SystemInstruction: v.SystemInstruction,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no active version", ErrVersionNotFound, key)
}

// GetByKey returns a copy of the definition, tombstoned or not.
func (s *Store) GetByKey(key string) (*PromptDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, key)
	}
	return def.clone(), nil
}

// ListForEditing returns the full definition including every version's
// content. Callers must gate this behind the owner role.
func (s *Store) ListForEditing(key string) (*PromptDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, err := s.getLocked(key)
	if err != nil {
		return nil, err
	}
	return def.clone(), nil
}

// Delete tombstones a definition. The record survives for audit; the
// serving and editing paths refuse it afterwards.
func (s *Store) Delete(key, by, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.getLocked(key)
	if err != nil {
		return err
	}
	next := def.clone()
	next.Deleted = &Tombstone{At: s.now(), By: by, Reason: reason}
	next.IsActive = false
	for i := range next.Versions {
		next.Versions[i].IsActive = false
	}
	next.LastModifiedBy = by
	next.UpdatedAt = s.now()
	next.Revision = uuid.NewString()

	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.defs[key] = next
	return nil
}

// UpdateUsageStats folds one usage observation into the running
// aggregates and recomputes the popularity score.
func (s *Store) UpdateUsageStats(key string, success bool, latencyMs float64, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := s.getLocked(key)
	if err != nil {
		return err
	}
	next := def.clone()
	u := &next.Usage

	prev := float64(u.TotalUsages)
	u.TotalUsages++
	if success {
		u.SuccessCount++
	}
	u.SuccessRate = float64(u.SuccessCount) / float64(u.TotalUsages) * 100
	u.AverageLatencyMs = (u.AverageLatencyMs*prev + latencyMs) / float64(u.TotalUsages)
	u.AverageTokens = (u.AverageTokens*prev + float64(tokens)) / float64(u.TotalUsages)
	now := s.now()
	u.LastUsed = &now
	u.PopularityScore = s.popularityScore(u)

	next.UpdatedAt = now
	next.Revision = uuid.NewString()

	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.defs[key] = next
	return nil
}

// popularityScore blends usage volume, success rate, and inverse
// latency into a 0-100 ranking. Volume saturates at 100 usages and
// latency contributes nothing beyond 5s.
func (s *Store) popularityScore(u *UsageStats) float64 {
	usage := float64(u.TotalUsages) / 100
	if usage > 1 {
		usage = 1
	}
	success := u.SuccessRate / 100
	latency := 1 - u.AverageLatencyMs/5000
	if latency < 0 {
		latency = 0
	}
	score := (usage*s.weights.Usage + success*s.weights.Success + latency*s.weights.Latency) * 100
	return score
}

// Search matches the query against name, description, and tags of
// non-deleted definitions, case-insensitively.
func (s *Store) Search(query string) []*PromptDefinition {
	q := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PromptDefinition
	for _, def := range s.defs {
		if def.Deleted != nil {
			continue
		}
		if q == "" || defMatches(def, q) {
			out = append(out, def.clone())
		}
	}
	sortByKey(out)
	return out
}

func defMatches(def *PromptDefinition, q string) bool {
	if strings.Contains(strings.ToLower(def.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(def.Description), q) {
		return true
	}
	for _, tag := range def.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// ListByType returns non-deleted definitions of the given type.
func (s *Store) ListByType(promptType string) []*PromptDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PromptDefinition
	for _, def := range s.defs {
		if def.Deleted != nil || def.Type != promptType {
			continue
		}
		out = append(out, def.clone())
	}
	sortByKey(out)
	return out
}

// PopularDefinitions returns the top non-deleted definitions by
// popularity score.
func (s *Store) PopularDefinitions(limit int) []*PromptDefinition {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PromptDefinition
	for _, def := range s.defs {
		if def.Deleted != nil {
			continue
		}
		out = append(out, def.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Usage.PopularityScore > out[j].Usage.PopularityScore
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// getLocked resolves a live, non-deleted definition. Caller holds a lock.
func (s *Store) getLocked(key string) (*PromptDefinition, error) {
	def, ok := s.defs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, key)
	}
	if def.Deleted != nil {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionDeleted, key)
	}
	return def, nil
}

func sortByKey(defs []*PromptDefinition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
}

func (d *PromptDefinition) clone() *PromptDefinition {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.RestrictedTo = append([]string(nil), d.RestrictedTo...)
	c.RestrictedTier = append([]string(nil), d.RestrictedTier...)
	c.Versions = append([]PromptVersion(nil), d.Versions...)
	if d.Usage.LastUsed != nil {
		t := *d.Usage.LastUsed
		c.Usage.LastUsed = &t
	}
	if d.Deleted != nil {
		t := *d.Deleted
		c.Deleted = &t
	}
	return &c
}
