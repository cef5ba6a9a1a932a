package model

import (
	"sort"
	"time"
)

// UseCase is the pipeline stage a model configuration serves.
type UseCase string

const (
	UseResearch   UseCase = "research"
	UseGeneration UseCase = "generation"
	UseReview     UseCase = "review"
	UseBoth       UseCase = "both"
)

// ModelConfig is one row of the admin-managed model registry. There is no
// process-wide registry object: callers pass a snapshot of enabled configs
// into each pipeline invocation and selection is a pure function of it.
type ModelConfig struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	ModelName string    `json:"model_name"`
	UseCase   UseCase   `json:"use_case"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Serves reports whether this config is applicable to the given use case.
func (m ModelConfig) Serves(uc UseCase) bool {
	return m.UseCase == uc || m.UseCase == UseBoth
}

// SelectModels returns the enabled configs serving uc, ordered by priority
// ascending (lower number wins) with ties broken by insertion order
// (CreatedAt, then ID for full determinism). The first element is the
// primary model; the rest form the fallback chain.
func SelectModels(configs []ModelConfig, uc UseCase) []ModelConfig {
	var out []ModelConfig
	for _, m := range configs {
		if m.Enabled && m.Serves(uc) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PromptType identifies which stage a system prompt drives.
type PromptType string

const (
	PromptResearch PromptType = "research"
	PromptGenerate PromptType = "generate"
	PromptReview   PromptType = "review"
)

// SystemPrompt is a versioned, explicitly-typed prompt record. The store
// enforces exactly one active version per type with a partial unique
// index, not application logic.
type SystemPrompt struct {
	ID         string     `json:"id"`
	PromptType PromptType `json:"prompt_type"`
	Version    int        `json:"version"`
	Content    string     `json:"content"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
}
