// Package service composes the flag store, the Redis cache, and the
// evaluation engine. All reads go through the cache (fail-open) and every
// successful write invalidates the affected cache entries before returning.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiv-0101/featureflags/internal/core"
	"github.com/shiv-0101/featureflags/internal/repository"
)

// MaxBulkKeys bounds a single bulk evaluation request.
const MaxBulkKeys = 100

var (
	ErrFlagNotFound = errors.New("flag not found")
	ErrFlagExists   = errors.New("flag already exists")
	ErrInvalidFlag  = errors.New("invalid flag")
	ErrTooManyKeys  = fmt.Errorf("at most %d flag keys per bulk evaluation", MaxBulkKeys)
)

// Store is the persistence surface the service needs. Implemented by
// [repository.PostgresRepository].
type Store interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	ToggleFlag(ctx context.Context, key string) (repository.Flag, error)
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, enabled *bool) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
}

// FlagCache is the cache surface the service needs. Implemented by
// [cache.Cache]; all methods are fail-open and never return errors.
type FlagCache interface {
	GetFlag(ctx context.Context, key string) (repository.Flag, bool)
	SetFlag(ctx context.Context, flag repository.Flag)
	GetAllFlags(ctx context.Context) ([]repository.Flag, bool)
	SetAllFlags(ctx context.Context, flags []repository.Flag)
	InvalidateFlag(ctx context.Context, key string)
	InvalidateAllFlags(ctx context.Context)
}

// Recorder receives evaluation outcome counts. Nil is tolerated.
type Recorder interface {
	Evaluation(reason core.Reason)
}

// Service implements flag management and evaluation.
type Service struct {
	store    Store
	cache    FlagCache
	logger   *slog.Logger
	recorder Recorder
}

// New creates a [Service]. The store is required; cache, logger, and
// recorder may be nil.
func New(store Store, flagCache FlagCache, logger *slog.Logger, recorder Recorder) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if flagCache == nil {
		flagCache = noopCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	return &Service{
		store:    store,
		cache:    flagCache,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Evaluate resolves a single flag for the given user context. An absent flag
// is an evaluation outcome (FLAG_NOT_FOUND), not an error; only store or
// rule-decoding failures return an error.
func (s *Service) Evaluate(ctx context.Context, key string, user core.UserContext) (core.EvaluationResult, error) {
	flag, found, err := s.lookupFlag(ctx, key)
	if err != nil {
		return core.EvaluationResult{}, err
	}

	var coreFlag *core.Flag
	if found {
		parsed, err := flagToCore(flag)
		if err != nil {
			return core.EvaluationResult{}, err
		}
		coreFlag = &parsed
	}

	result := core.Evaluate(coreFlag, user)
	s.recorder.Evaluation(result.Reason)

	return result, nil
}

// EvaluateBulk resolves up to [MaxBulkKeys] flags for one user context,
// keyed by flag key. The requested keys are resolved against one flag-set
// snapshot rather than per-key reads, so a bulk request costs a single cache
// or store round-trip. Each flag is still evaluated independently; keys with
// no matching flag evaluate to FLAG_NOT_FOUND.
func (s *Service) EvaluateBulk(ctx context.Context, keys []string, user core.UserContext) (map[string]core.EvaluationResult, error) {
	if len(keys) > MaxBulkKeys {
		return nil, ErrTooManyKeys
	}

	flags, err := s.listAllFlags(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]repository.Flag, len(flags))
	for _, flag := range flags {
		byKey[flag.Key] = flag
	}

	results := make(map[string]core.EvaluationResult, len(keys))
	for _, key := range keys {
		var coreFlag *core.Flag
		if flag, ok := byKey[key]; ok {
			parsed, err := flagToCore(flag)
			if err != nil {
				return nil, err
			}
			coreFlag = &parsed
		}

		result := core.Evaluate(coreFlag, user)
		s.recorder.Evaluation(result.Reason)
		results[key] = result
	}

	return results, nil
}

// EvaluateAllEnabled resolves every enabled flag for one user context, keyed
// by flag key. The full flag set is served from the snapshot cache; the
// enabled filter is applied here so the snapshot stays shared with ListFlags.
func (s *Service) EvaluateAllEnabled(ctx context.Context, user core.UserContext) (map[string]core.EvaluationResult, error) {
	flags, err := s.listAllFlags(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]core.EvaluationResult)
	for _, flag := range flags {
		if !flag.Enabled {
			continue
		}

		parsed, err := flagToCore(flag)
		if err != nil {
			return nil, err
		}

		result := core.Evaluate(&parsed, user)
		s.recorder.Evaluation(result.Reason)
		results[flag.Key] = result
	}

	return results, nil
}

// GetFlag returns a single flag, read through the cache.
func (s *Service) GetFlag(ctx context.Context, key string) (repository.Flag, error) {
	flag, found, err := s.lookupFlag(ctx, key)
	if err != nil {
		return repository.Flag{}, err
	}
	if !found {
		return repository.Flag{}, ErrFlagNotFound
	}

	return flag, nil
}

// ListFlags returns all flags ordered by key, read through the snapshot
// cache. When enabled is non-nil only flags in that state are returned.
func (s *Service) ListFlags(ctx context.Context, enabled *bool) ([]repository.Flag, error) {
	flags, err := s.listAllFlags(ctx)
	if err != nil {
		return nil, err
	}
	if enabled == nil {
		return flags, nil
	}

	filtered := make([]repository.Flag, 0, len(flags))
	for _, flag := range flags {
		if flag.Enabled == *enabled {
			filtered = append(filtered, flag)
		}
	}

	return filtered, nil
}

// CreateFlag validates and persists a new flag, then invalidates the cache.
// A duplicate key returns [ErrFlagExists].
func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	normalized, err := validateFlag(flag)
	if err != nil {
		return repository.Flag{}, err
	}

	created, err := s.store.CreateFlag(ctx, normalized)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Flag{}, ErrFlagExists
		}
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.cache.InvalidateFlag(ctx, created.Key)

	return created, nil
}

// UpdateFlag validates and persists changes to an existing flag, then
// invalidates the cache. The key is immutable.
func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	normalized, err := validateFlag(flag)
	if err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.store.UpdateFlag(ctx, normalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.cache.InvalidateFlag(ctx, updated.Key)

	return updated, nil
}

// ToggleFlag flips a flag's enabled state and invalidates the cache.
func (s *Service) ToggleFlag(ctx context.Context, key string) (repository.Flag, error) {
	toggled, err := s.store.ToggleFlag(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("toggle flag: %w", err)
	}

	s.cache.InvalidateFlag(ctx, toggled.Key)

	return toggled, nil
}

// DeleteFlag removes a flag and invalidates the cache.
func (s *Service) DeleteFlag(ctx context.Context, key string) error {
	if err := s.store.DeleteFlag(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.cache.InvalidateFlag(ctx, key)

	return nil
}

// lookupFlag reads a single flag through the cache. The second return value
// distinguishes an absent flag from a present one.
func (s *Service) lookupFlag(ctx context.Context, key string) (repository.Flag, bool, error) {
	if flag, ok := s.cache.GetFlag(ctx, key); ok {
		return flag, true, nil
	}

	flag, err := s.store.GetFlag(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, false, nil
		}
		return repository.Flag{}, false, fmt.Errorf("get flag: %w", err)
	}

	s.cache.SetFlag(ctx, flag)

	return flag, true, nil
}

// listAllFlags reads the full flag set through the snapshot cache.
func (s *Service) listAllFlags(ctx context.Context) ([]repository.Flag, error) {
	if flags, ok := s.cache.GetAllFlags(ctx); ok {
		return flags, nil
	}

	flags, err := s.store.ListFlags(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	s.cache.SetAllFlags(ctx, flags)

	return flags, nil
}

func flagToCore(flag repository.Flag) (core.Flag, error) {
	rules, err := parseRulesJSON(flag.TargetingRules)
	if err != nil {
		return core.Flag{}, fmt.Errorf("decode flag %q rules: %w", flag.Key, err)
	}

	return core.Flag{
		Key:               flag.Key,
		Enabled:           flag.Enabled,
		RolloutPercentage: flag.RolloutPercentage,
		Rules:             rules,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type noopCache struct{}

func (noopCache) GetFlag(context.Context, string) (repository.Flag, bool) {
	return repository.Flag{}, false
}
func (noopCache) SetFlag(context.Context, repository.Flag)          {}
func (noopCache) GetAllFlags(context.Context) ([]repository.Flag, bool) {
	return nil, false
}
func (noopCache) SetAllFlags(context.Context, []repository.Flag) {}
func (noopCache) InvalidateFlag(context.Context, string)         {}
func (noopCache) InvalidateAllFlags(context.Context)             {}

type noopRecorder struct{}

func (noopRecorder) Evaluation(core.Reason) {}
