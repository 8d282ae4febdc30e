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
		Version: "000001_create_documents",
		SQL: `
			CREATE TABLE IF NOT EXISTS documents (
				id              VARCHAR(64)  PRIMARY KEY,
				drm_enabled     BOOLEAN      NOT NULL DEFAULT FALSE,
				last_revoked_at TIMESTAMPTZ,
				created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_document_drm_settings",
		SQL: `
			CREATE TABLE IF NOT EXISTS document_drm_settings (
				document_id         VARCHAR(64) PRIMARY KEY REFERENCES documents(id),
				max_views           INTEGER,
				max_unique_devices  INTEGER,
				prevent_copy        BOOLEAN     NOT NULL DEFAULT FALSE,
				prevent_print       BOOLEAN     NOT NULL DEFAULT FALSE,
				prevent_download    BOOLEAN     NOT NULL DEFAULT FALSE,
				prevent_screenshot  BOOLEAN     NOT NULL DEFAULT FALSE,
				require_watermark   BOOLEAN     NOT NULL DEFAULT FALSE,
				watermark_text      TEXT,
				watermark_opacity   REAL        NOT NULL DEFAULT 0.3,
				watermark_position  VARCHAR(16) NOT NULL DEFAULT 'diagonal',
				access_expires_at   TIMESTAMPTZ,
				allowed_countries   TEXT[]      NOT NULL DEFAULT '{}',
				blocked_countries   TEXT[]      NOT NULL DEFAULT '{}',
				allowed_days_of_week INTEGER[]  NOT NULL DEFAULT '{}',
				allowed_hours_start INTEGER,
				allowed_hours_end   INTEGER,
				updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000003_create_document_access_sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS document_access_sessions (
				id                 VARCHAR(36) PRIMARY KEY,
				document_id        VARCHAR(64) NOT NULL REFERENCES documents(id),
				session_token      VARCHAR(64) NOT NULL UNIQUE,
				ip_address         VARCHAR(45) NOT NULL,
				device_fingerprint VARCHAR(64) NOT NULL,
				user_agent         TEXT        NOT NULL DEFAULT '',
				geolocation        JSONB,
				is_revoked         BOOLEAN     NOT NULL DEFAULT FALSE,
				revoked_at         TIMESTAMPTZ,
				revoked_reason     TEXT,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_access_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_document_id ON document_access_sessions(document_id);
			CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON document_access_sessions(document_id, device_fingerprint);
		`,
	},
	{
		Version: "000004_create_document_view_tracking",
		SQL: `
			CREATE TABLE IF NOT EXISTS document_view_tracking (
				id          VARCHAR(36) PRIMARY KEY,
				document_id VARCHAR(64) NOT NULL REFERENCES documents(id),
				session_id  VARCHAR(36) NOT NULL REFERENCES document_access_sessions(id),
				page_number INTEGER,
				ip_address  VARCHAR(45) NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_view_tracking_document_id ON document_view_tracking(document_id);
			CREATE INDEX IF NOT EXISTS idx_view_tracking_session_id ON document_view_tracking(session_id);
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
