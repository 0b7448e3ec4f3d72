package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_upload_tokens",
		SQL: `
			CREATE TABLE IF NOT EXISTS upload_tokens (
				id            BIGSERIAL    PRIMARY KEY,
				token_digest  CHAR(64)     NOT NULL UNIQUE,
				category      VARCHAR(32)  NOT NULL DEFAULT '*',
				max_file_size BIGINT,
				max_uses      INTEGER      NOT NULL DEFAULT 1,
				used_count    INTEGER      NOT NULL DEFAULT 0,
				created_by    VARCHAR(255),
				metadata      JSONB,
				is_active     BOOLEAN      NOT NULL DEFAULT TRUE,
				created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				expires_at    TIMESTAMPTZ,
				last_used_at  TIMESTAMPTZ,
				CONSTRAINT upload_tokens_use_bounds CHECK (used_count >= 0 AND used_count <= max_uses)
			);
			CREATE INDEX IF NOT EXISTS idx_upload_tokens_expires_at ON upload_tokens(expires_at);

			CREATE TABLE IF NOT EXISTS token_usage_log (
				id         BIGSERIAL   PRIMARY KEY,
				token_id   BIGINT      REFERENCES upload_tokens(id) ON DELETE SET NULL,
				file_id    UUID,
				outcome    VARCHAR(16) NOT NULL,
				detail     TEXT,
				client_ip  VARCHAR(64),
				user_agent TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_token_usage_log_token_id ON token_usage_log(token_id);
		`,
	},
	{
		Version: "000002_create_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS files (
				id               UUID         PRIMARY KEY,
				original_name    VARCHAR(255) NOT NULL,
				stored_name      VARCHAR(255) NOT NULL UNIQUE,
				category         VARCHAR(32)  NOT NULL,
				mime_type        VARCHAR(255) NOT NULL,
				size_bytes       BIGINT       NOT NULL,
				extension        VARCHAR(16)  NOT NULL DEFAULT '',
				storage_path     VARCHAR(512) NOT NULL,
				optimizable      BOOLEAN      NOT NULL DEFAULT FALSE,
				hash_sha256      CHAR(64)     NOT NULL,
				validation_state VARCHAR(16)  NOT NULL DEFAULT 'pending',
				validated        BOOLEAN      NOT NULL DEFAULT FALSE,
				download_count   BIGINT       NOT NULL DEFAULT 0,
				token_id         BIGINT       REFERENCES upload_tokens(id) ON DELETE SET NULL,
				created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_files_hash ON files(hash_sha256);
			CREATE INDEX IF NOT EXISTS idx_files_token_id ON files(token_id);

			-- At most one servable copy of any content; pending rows may
			-- coexist until validation settles who wins.
			CREATE UNIQUE INDEX IF NOT EXISTS uniq_files_hash_safe
				ON files(hash_sha256) WHERE validation_state = 'safe';
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	// Create migrations tracking table
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		// Check if already applied
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		// Execute migration in a transaction
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
