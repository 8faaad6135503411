// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forumvine/linkresolver/internal/resolver"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore persists run outcomes in Postgres.
type RunStore struct {
	pool  pgPool
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordRun upserts the outcome row for a run.
func (s *RunStore) RecordRun(ctx context.Context, rec resolver.RunRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if rec.ID == "" {
		return fmt.Errorf("run id is required")
	}
	resolvedJSON, err := json.Marshal(rec.Resolved)
	if err != nil {
		return fmt.Errorf("marshal resolved set: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	phase,
	total,
	completed,
	resolved,
	error_text,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (id) DO UPDATE SET
	phase = EXCLUDED.phase,
	total = EXCLUDED.total,
	completed = EXCLUDED.completed,
	resolved = EXCLUDED.resolved,
	error_text = EXCLUDED.error_text,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		rec.ID,
		string(rec.Phase),
		rec.Total,
		rec.Completed,
		resolvedJSON,
		rec.ErrorText,
		rec.StartedAt,
		rec.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun fetches one run row; resolver.ErrRunNotFound when absent.
func (s *RunStore) GetRun(ctx context.Context, id string) (resolver.RunRecord, error) {
	if s == nil || s.pool == nil {
		return resolver.RunRecord{}, fmt.Errorf("run store is not configured")
	}
	query := fmt.Sprintf(`
SELECT id, phase, total, completed, resolved, error_text, started_at, finished_at
FROM %s WHERE id = $1`, s.table)

	var (
		rec          resolver.RunRecord
		phase        string
		resolvedJSON []byte
	)
	row := s.pool.QueryRow(ctx, query, id)
	err := row.Scan(&rec.ID, &phase, &rec.Total, &rec.Completed, &resolvedJSON,
		&rec.ErrorText, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resolver.RunRecord{}, resolver.ErrRunNotFound
		}
		return resolver.RunRecord{}, fmt.Errorf("select run: %w", err)
	}
	rec.Phase = resolver.Phase(phase)
	if len(resolvedJSON) > 0 {
		if err := json.Unmarshal(resolvedJSON, &rec.Resolved); err != nil {
			return resolver.RunRecord{}, fmt.Errorf("unmarshal resolved set: %w", err)
		}
	}
	return rec, nil
}
