package store

import "time"

// PromptVersion is one ordered content revision of a definition.
// Content is stored opaquely; whether it is plaintext or a sealed
// envelope is the caller's decision.
type PromptVersion struct {
	Version           int       `json:"version"`
	Content           string    `json:"content"`
	SystemInstruction string    `json:"system_instruction,omitempty"`
	Changelog         string    `json:"changelog,omitempty"`
	IsActive          bool      `json:"is_active"`
	Encrypted         bool      `json:"encrypted"`
	CreatedBy         string    `json:"created_by"`
	CreatedAt         time.Time `json:"created_at"`
}

// UsageStats tracks how a definition performs in production.
type UsageStats struct {
	TotalUsages      int64      `json:"total_usages"`
	SuccessCount     int64      `json:"success_count"`
	SuccessRate      float64    `json:"success_rate"`
	AverageLatencyMs float64    `json:"average_latency_ms"`
	AverageTokens    float64    `json:"average_tokens"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	PopularityScore  float64    `json:"popularity_score"`
}

// Tombstone marks a soft-deleted definition. The record and its
// versions are retained for the audit trail; only serving stops.
type Tombstone struct {
	At     time.Time `json:"at"`
	By     string    `json:"by"`
	Reason string    `json:"reason"`
}

// PromptDefinition is a named, versioned unit of managed content.
type PromptDefinition struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Type           string    `json:"type,omitempty"`
	Category       string    `json:"category,omitempty"`
	PageType       string    `json:"page_type,omitempty"`
	Description    string    `json:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	IsPublic       bool      `json:"is_public"`
	IsActive       bool      `json:"is_active"`
	RestrictedTo   []string  `json:"restricted_to_roles,omitempty"`
	RestrictedTier []string  `json:"restricted_to_tiers,omitempty"`

	CurrentVersion int             `json:"current_version"`
	Versions       []PromptVersion `json:"versions"`

	Usage UsageStats `json:"usage"`

	CreatedBy      string     `json:"created_by"`
	LastModifiedBy string     `json:"last_modified_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Deleted        *Tombstone `json:"deleted,omitempty"`

	// Revision is an opaque optimistic-concurrency token, replaced
	// on every mutation.
	Revision string `json:"revision"`
}

// Meta carries the caller-supplied fields for CreateDefinition.
type Meta struct {
	Name           string
	Key            string
	Type           string
	Category       string
	PageType       string
	Description    string
	Tags           []string
	IsPublic       bool
	RestrictedTo   []string
	RestrictedTier []string
}

// ActiveContent is the serving-path view of a definition: the active
// version's content only, no history.
type ActiveContent struct {
	Key               string `json:"key"`
	Version           int    `json:"version"`
	Content           string `json:"content"`
	SystemInstruction string `json:"system_instruction,omitempty"`
}

// ScoreWeights control the popularity score blend. They must sum to 1.
type ScoreWeights struct {
	Usage   float64
	Success float64
	Latency float64
}

// DefaultScoreWeights matches the historical 0.4/0.3/0.3 blend.
var DefaultScoreWeights = ScoreWeights{Usage: 0.4, Success: 0.3, Latency: 0.3}
