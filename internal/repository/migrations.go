package repository

import (
	"context"
	"fmt"
)

// Migration is one ordered, idempotent schema step.
type Migration struct {
	Version     int
	Description string
	Up          []string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "tenants, pipeline definitions and activations",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS tenants (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				domain TEXT NOT NULL UNIQUE,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				key_ref TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS pipeline_definitions (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				version TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE TABLE IF NOT EXISTS activations (
				id UUID PRIMARY KEY,
				tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				pipeline_id UUID NOT NULL REFERENCES pipeline_definitions(id) ON DELETE CASCADE,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				webhook_id UUID NOT NULL UNIQUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (tenant_id, pipeline_id)
			)`,
		},
	},
	{
		Version:     2,
		Description: "pipeline configurations",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS pipeline_configurations (
				id UUID PRIMARY KEY,
				pipeline_id UUID NOT NULL REFERENCES pipeline_definitions(id) ON DELETE CASCADE,
				tenant_id UUID REFERENCES tenants(id) ON DELETE CASCADE,
				is_default BOOLEAN NOT NULL DEFAULT FALSE,
				settings JSONB NOT NULL DEFAULT '{}'::jsonb,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_configurations_tenant
				ON pipeline_configurations (pipeline_id, tenant_id) WHERE tenant_id IS NOT NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_configurations_null_tenant
				ON pipeline_configurations (pipeline_id) WHERE tenant_id IS NULL`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_configurations_is_default
				ON pipeline_configurations (pipeline_id) WHERE is_default`,
		},
	},
	{
		Version:     3,
		Description: "credentials",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS credentials (
				id UUID PRIMARY KEY,
				tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				service TEXT NOT NULL,
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_type TEXT NOT NULL DEFAULT '',
				expiry TEXT NOT NULL DEFAULT '',
				api_key TEXT NOT NULL DEFAULT '',
				extra TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (tenant_id, service)
			)`,
		},
	},
	{
		Version:     4,
		Description: "scheduled executions and notifications",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS scheduled_executions (
				id UUID PRIMARY KEY,
				tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				activation_id UUID NOT NULL REFERENCES activations(id) ON DELETE CASCADE,
				job TEXT NOT NULL,
				payload JSONB,
				scheduled_time TIMESTAMPTZ,
				active_hours INTEGER[] NOT NULL,
				active_days INTEGER[] NOT NULL,
				is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
				recurrence_interval INTEGER NOT NULL DEFAULT 0,
				max_runs INTEGER NOT NULL DEFAULT 0,
				run_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				claimed_until TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_scheduled_executions_due
				ON scheduled_executions (scheduled_time) WHERE scheduled_time IS NOT NULL`,
			`CREATE TABLE IF NOT EXISTS notifications (
				id UUID PRIMARY KEY,
				tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				uri TEXT NOT NULL,
				title TEXT NOT NULL,
				body TEXT NOT NULL,
				sent BOOLEAN NOT NULL DEFAULT FALSE,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				sent_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_unsent
				ON notifications (uri, created_at) WHERE NOT sent`,
		},
	},
	{
		Version:     5,
		Description: "schedule claim tokens and retry-ordered notifications",
		Up: []string{
			`ALTER TABLE scheduled_executions ADD COLUMN IF NOT EXISTS claim_token TEXT NOT NULL DEFAULT ''`,
			`DROP INDEX IF EXISTS idx_notifications_unsent`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_unsent_attempts
				ON notifications (attempts, created_at) WHERE NOT sent`,
		},
	},
}

// Migrate applies every migration not yet recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		for _, stmt := range m.Up {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", m.Version, "description", m.Description)
	}
	return nil
}
