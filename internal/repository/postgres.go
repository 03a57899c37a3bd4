// Package repository provides PostgreSQL-backed persistence for feature
// flags and API keys. It is the source of truth the cache layer sits in
// front of; callers translate pgx.ErrNoRows into their own not-found errors.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Flag is the repository-level representation of a feature flag row.
// TargetingRules holds the JSONB rule list verbatim; the service layer
// parses it into evaluator rules.
type Flag struct {
	Key               string          `json:"key"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage int             `json:"rolloutPercentage"`
	TargetingRules    json.RawMessage `json:"targetingRules"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// APIKey represents a stored API key record used for bearer-token
// authentication. The secret is never stored, only its bcrypt hash.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// PostgresRepository implements flag and API key persistence backed by a
// pgxpool connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a [PostgresRepository] on the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const flagColumns = `key, name, description, enabled, rollout_percentage, targeting_rules, created_at, updated_at`

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.Key,
		&flag.Name,
		&flag.Description,
		&flag.Enabled,
		&flag.RolloutPercentage,
		&flag.TargetingRules,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

// CreateFlag inserts a new flag row and returns the created record with
// server-generated timestamps. A duplicate key surfaces as the pgconn
// unique-violation error.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (key, name, description, enabled, rollout_percentage, targeting_rules)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+flagColumns,
		flag.Key,
		flag.Name,
		flag.Description,
		flag.Enabled,
		flag.RolloutPercentage,
		ensureJSON(flag.TargetingRules, "[]"),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates an existing flag row identified by key and returns the
// updated record. Returns pgx.ErrNoRows (wrapped) if the flag does not exist.
// The key itself is immutable.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET name = $2,
		    description = $3,
		    enabled = $4,
		    rollout_percentage = $5,
		    targeting_rules = $6,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+flagColumns,
		flag.Key,
		flag.Name,
		flag.Description,
		flag.Enabled,
		flag.RolloutPercentage,
		ensureJSON(flag.TargetingRules, "[]"),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// ToggleFlag flips the enabled state of a flag atomically in SQL and returns
// the updated record. Returns pgx.ErrNoRows (wrapped) if the flag does not
// exist.
func (r *PostgresRepository) ToggleFlag(ctx context.Context, key string) (Flag, error) {
	toggled, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET enabled = NOT enabled,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+flagColumns, key))
	if err != nil {
		return Flag{}, fmt.Errorf("toggle flag: %w", err)
	}

	return toggled, nil
}

// GetFlag retrieves a single flag by key. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE key = $1
	`, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// FlagExists reports whether a flag with the given key exists.
func (r *PostgresRepository) FlagExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM flags WHERE key = $1)`, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("flag exists: %w", err)
	}

	return exists, nil
}

// ListFlags returns flags ordered by key. When enabled is non-nil only flags
// with the matching enabled state are returned.
func (r *PostgresRepository) ListFlags(ctx context.Context, enabled *bool) ([]Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM flags ORDER BY key`
	args := []any{}
	if enabled != nil {
		query = `SELECT ` + flagColumns + ` FROM flags WHERE enabled = $1 ORDER BY key`
		args = append(args, *enabled)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by key. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	if err := deleteFlagNoRows(commandTag); err != nil {
		return err
	}

	return nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// do the bcrypt comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

func deleteFlagNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}

	return nil
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
