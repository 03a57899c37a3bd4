package server

import (
	"context"

	"github.com/shiv-0101/featureflags/internal/core"
	"github.com/shiv-0101/featureflags/internal/repository"
	"github.com/shiv-0101/featureflags/internal/service"
)

type Service interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	ToggleFlag(ctx context.Context, key string) (repository.Flag, error)
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, enabled *bool) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	Evaluate(ctx context.Context, key string, user core.UserContext) (core.EvaluationResult, error)
	EvaluateBulk(ctx context.Context, keys []string, user core.UserContext) (map[string]core.EvaluationResult, error)
	EvaluateAllEnabled(ctx context.Context, user core.UserContext) (map[string]core.EvaluationResult, error)
}

var _ Service = (*service.Service)(nil)
