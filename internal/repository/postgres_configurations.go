package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"automation-hub/backend/internal/encryption"
	"automation-hub/backend/pkg/models"
)

const configurationColumns = `id, pipeline_id, tenant_id, is_default, settings, updated_at`

// GetConfiguration returns the configuration row for (pipeline, tenant).
func (s *PostgresStore) GetConfiguration(ctx context.Context, pipelineID, tenantID string) (*models.PipelineConfiguration, error) {
	cfg, err := scanConfiguration(s.db.QueryRow(ctx, `SELECT `+configurationColumns+`
		FROM pipeline_configurations WHERE pipeline_id = $1 AND tenant_id = $2`, pipelineID, tenantID))
	if err != nil {
		return nil, err
	}
	return cfg, s.openSettings(ctx, cfg)
}

// GetDefaultConfiguration returns the tenant-less configuration row.
func (s *PostgresStore) GetDefaultConfiguration(ctx context.Context, pipelineID string) (*models.PipelineConfiguration, error) {
	cfg, err := scanConfiguration(s.db.QueryRow(ctx, `SELECT `+configurationColumns+`
		FROM pipeline_configurations WHERE pipeline_id = $1 AND tenant_id IS NULL`, pipelineID))
	if err != nil {
		return nil, err
	}
	return cfg, s.openSettings(ctx, cfg)
}

// SaveConfiguration inserts or updates a configuration row. Uniqueness of
// (pipeline, tenant), the single tenant-less row and the single is_default
// row are enforced by partial unique indexes and surface as ErrConflict.
func (s *PostgresStore) SaveConfiguration(ctx context.Context, cfg *models.PipelineConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	c, err := s.cipherFor(ctx, cfg.TenantID)
	if err != nil {
		return err
	}
	sealed, err := sealSettings(c, cfg.Settings)
	if err != nil {
		return err
	}

	return mapErr(s.db.QueryRow(ctx, `INSERT INTO pipeline_configurations (id, pipeline_id, tenant_id, is_default, settings)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET is_default = EXCLUDED.is_default, settings = EXCLUDED.settings, updated_at = now()
		RETURNING updated_at`,
		cfg.ID, cfg.PipelineID, cfg.TenantID, cfg.IsDefault, sealed,
	).Scan(&cfg.UpdatedAt))
}

func (s *PostgresStore) openSettings(ctx context.Context, cfg *models.PipelineConfiguration) error {
	c, err := s.cipherFor(ctx, cfg.TenantID)
	if err != nil {
		return err
	}
	opened, err := openSettings(c, cfg.Settings)
	if err != nil {
		return err
	}
	cfg.Settings = opened
	return nil
}

// sealSettings seals each top-level settings field individually, leaving
// field names visible.
func sealSettings(c *encryption.Cipher, settings json.RawMessage) ([]byte, error) {
	if len(settings) == 0 {
		return []byte("{}"), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(settings, &fields); err != nil {
		return nil, fmt.Errorf("settings must be a JSON object: %w", err)
	}
	out := make(map[string]string, len(fields))
	for name, raw := range fields {
		sealed, err := c.Encrypt(string(raw))
		if err != nil {
			return nil, err
		}
		out[name] = sealed
	}
	return json.Marshal(out)
}

func openSettings(c *encryption.Cipher, stored json.RawMessage) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(stored, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields))
	for name, v := range fields {
		if s, ok := v.(string); ok && encryption.IsEncrypted(s) {
			plain, err := c.DecryptString(s)
			if err != nil {
				return nil, fmt.Errorf("open setting %q: %w", name, err)
			}
			out[name] = json.RawMessage(plain)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return json.Marshal(out)
}

func scanConfiguration(row pgx.Row) (*models.PipelineConfiguration, error) {
	var c models.PipelineConfiguration
	var settings []byte
	if err := row.Scan(&c.ID, &c.PipelineID, &c.TenantID, &c.IsDefault, &settings, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.Settings = settings
	return &c, nil
}
