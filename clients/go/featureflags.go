// Package featureflags provides client interfaces and domain types for the
// feature flag service.
//
// Use the sub-package to create the HTTP client:
//
//	import ffhttp "github.com/shiv-0101/featureflags/clients/go/http"
package featureflags

import (
	"context"
	"time"
)

// FlagManager covers CRUD operations on feature flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	ToggleFlag(ctx context.Context, key string) (Flag, error)
	DeleteFlag(ctx context.Context, key string) error
}

// Evaluator covers flag resolution for a given user context.
type Evaluator interface {
	Evaluate(ctx context.Context, key string, user UserContext) (EvaluationResult, error)
	EvaluateBulk(ctx context.Context, keys []string, user UserContext) (map[string]EvaluationResult, error)
	AllFlags(ctx context.Context, user UserContext) (map[string]bool, error)
}

// Flag is the domain representation of a feature flag.
type Flag struct {
	Key               string    `json:"key"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	TargetingRules    []Rule    `json:"targetingRules,omitempty"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt,omitempty"`
}

// Rule is a targeting rule that determines flag evaluation.
type Rule struct {
	Type     string `json:"type"`
	Operator string `json:"operator,omitempty"`
	Key      string `json:"key,omitempty"`
	Value    any    `json:"value,omitempty"`
	Values   []any  `json:"values,omitempty"`
}

// UserContext provides identity and attribute data for evaluation.
type UserContext struct {
	UserID     string         `json:"userId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// EvaluationResult is the outcome of a single flag evaluation.
type EvaluationResult struct {
	FlagKey string `json:"flagKey,omitempty"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
	Bucket  *int   `json:"bucket,omitempty"`
}
