// Package postgres implements the store interfaces on PostgreSQL via
// database/sql and lib/pq.
//
// Quota mutations are single UPDATE statements so increments are atomic at
// the database and the lazy resets are guarded compare-and-set operations —
// concurrent requests on the same key never lose an update, and evaluating
// a reset twice in the same period performs at most one effective reset.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/metergate/metergate/internal/store"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// New opens a connection pool for databaseURL and verifies it with a ping.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── store.KeyStore ───────────────────────────────────────────────────────────

func (s *Store) FindByToken(ctx context.Context, token string) (*store.APIKey, error) {
	const query = `
		SELECT id, name, token, status, expires_at, allowed_models,
		       total_quota, used_quota,
		       daily_quota, daily_used, daily_reset_at,
		       monthly_quota, monthly_used, monthly_reset_at,
		       rpm, tpm, last_used_at, created_at
		FROM api_keys
		WHERE token = $1
	`

	var k store.APIKey
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&k.ID, &k.Name, &k.Token, &k.Status, &k.ExpiresAt,
		pq.Array(&k.AllowedModels),
		&k.TotalQuota, &k.UsedQuota,
		&k.DailyQuota, &k.DailyUsed, &k.DailyResetAt,
		&k.MonthlyQuota, &k.MonthlyUsed, &k.MonthlyResetAt,
		&k.RPM, &k.TPM, &k.LastUsedAt, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find key: %w", err)
	}
	return &k, nil
}

func (s *Store) AddUsage(ctx context.Context, keyID int64, cost float64, now time.Time) error {
	const query = `
		UPDATE api_keys
		SET used_quota    = used_quota + $2,
		    daily_used    = daily_used + $2,
		    monthly_used  = monthly_used + $2,
		    last_used_at  = $3
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, keyID, cost, now); err != nil {
		return fmt.Errorf("postgres: add usage: %w", err)
	}
	return nil
}

func (s *Store) ResetDaily(ctx context.Context, keyID int64, next time.Time, now time.Time) error {
	// The WHERE guard makes the reset idempotent under concurrent evaluation.
	const query = `
		UPDATE api_keys
		SET daily_used = 0, daily_reset_at = $2
		WHERE id = $1 AND (daily_reset_at IS NULL OR daily_reset_at <= $3)
	`
	if _, err := s.db.ExecContext(ctx, query, keyID, next, now); err != nil {
		return fmt.Errorf("postgres: reset daily: %w", err)
	}
	return nil
}

func (s *Store) ResetMonthly(ctx context.Context, keyID int64, next time.Time, now time.Time) error {
	const query = `
		UPDATE api_keys
		SET monthly_used = 0, monthly_reset_at = $2
		WHERE id = $1 AND (monthly_reset_at IS NULL OR monthly_reset_at <= $3)
	`
	if _, err := s.db.ExecContext(ctx, query, keyID, next, now); err != nil {
		return fmt.Errorf("postgres: reset monthly: %w", err)
	}
	return nil
}

// ── store.SourceStore ────────────────────────────────────────────────────────

func (s *Store) ListEnabled(ctx context.Context) ([]*store.Source, error) {
	const query = `
		SELECT id, name, base_url, api_key, models, priority, weight, enabled
		FROM sources
		WHERE enabled
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sources: %w", err)
	}
	defer rows.Close()

	var out []*store.Source
	for rows.Next() {
		var src store.Source
		if err := rows.Scan(
			&src.ID, &src.Name, &src.BaseURL, &src.APIKey,
			pq.Array(&src.Models), &src.Priority, &src.Weight, &src.Enabled,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan source: %w", err)
		}
		out = append(out, &src)
	}
	return out, rows.Err()
}

// ── store.PricingStore ───────────────────────────────────────────────────────

func (s *Store) FindModel(ctx context.Context, model string) (*store.ModelConfig, error) {
	const query = `
		SELECT model, name, input_price, output_price, rpm, tpm, enabled
		FROM model_configs
		WHERE model = $1 AND enabled
	`

	var m store.ModelConfig
	err := s.db.QueryRowContext(ctx, query, model).Scan(
		&m.Model, &m.Name, &m.InputPrice, &m.OutputPrice, &m.RPM, &m.TPM, &m.Enabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find model: %w", err)
	}
	return &m, nil
}

func (s *Store) ListEnabledModels(ctx context.Context) ([]*store.ModelConfig, error) {
	const query = `
		SELECT model, name, input_price, output_price, rpm, tpm, enabled
		FROM model_configs
		WHERE enabled
		ORDER BY model
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list models: %w", err)
	}
	defer rows.Close()

	var out []*store.ModelConfig
	for rows.Next() {
		var m store.ModelConfig
		if err := rows.Scan(
			&m.Model, &m.Name, &m.InputPrice, &m.OutputPrice, &m.RPM, &m.TPM, &m.Enabled,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan model: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
