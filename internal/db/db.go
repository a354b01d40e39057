package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ssuji15/ciwatch/internal/config"
)

type DB struct {
	Pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS ci_jobs (
	id                BIGINT PRIMARY KEY,
	run_id            BIGINT NOT NULL,
	name              TEXT NOT NULL,
	workflow_name     TEXT NOT NULL DEFAULT '',
	workflow_path     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	conclusion        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	duration_seconds  DOUBLE PRECISION,
	queued_seconds    DOUBLE PRECISION,
	runner_name       TEXT NOT NULL DEFAULT '',
	runner_id         BIGINT NOT NULL DEFAULT 0,
	runner_group_name TEXT NOT NULL DEFAULT '',
	labels            TEXT[] NOT NULL DEFAULT '{}',
	head_branch       TEXT NOT NULL DEFAULT '',
	event             TEXT NOT NULL DEFAULT '',
	actor             TEXT NOT NULL DEFAULT '',
	html_url          TEXT NOT NULL DEFAULT '',
	run_created_at    TIMESTAMPTZ,
	pool              TEXT NOT NULL DEFAULT '',
	self_managed      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS ci_jobs_created_at_idx ON ci_jobs (created_at);
`

func New(ctx context.Context) (*DB, error) {
	pc, err := config.GetPostgresConfig()
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pg config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the ci_jobs table and its indexes when missing.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (d *DB) Close() {
	d.Pool.Close()
}
