package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"automation-hub/backend/pkg/models"
)

const definitionColumns = `id, name, version, created_at, updated_at`

// UpsertDefinition creates the definition by name, or bumps its version.
func (s *PostgresStore) UpsertDefinition(ctx context.Context, def *models.PipelineDefinition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	return mapErr(s.db.QueryRow(ctx, `INSERT INTO pipeline_definitions (id, name, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, updated_at = now()
		RETURNING `+definitionColumns,
		def.ID, def.Name, def.Version,
	).Scan(&def.ID, &def.Name, &def.Version, &def.CreatedAt, &def.UpdatedAt))
}

// GetDefinition retrieves a definition by ID.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*models.PipelineDefinition, error) {
	return scanDefinition(s.db.QueryRow(ctx, `SELECT `+definitionColumns+` FROM pipeline_definitions WHERE id = $1`, id))
}

// GetDefinitionByName retrieves a definition by its registered name.
func (s *PostgresStore) GetDefinitionByName(ctx context.Context, name string) (*models.PipelineDefinition, error) {
	return scanDefinition(s.db.QueryRow(ctx, `SELECT `+definitionColumns+` FROM pipeline_definitions WHERE name = $1`, name))
}

// ListDefinitions returns every definition ordered by name.
func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]*models.PipelineDefinition, error) {
	rows, err := s.db.Query(ctx, `SELECT `+definitionColumns+` FROM pipeline_definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.PipelineDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (*models.PipelineDefinition, error) {
	var d models.PipelineDefinition
	if err := row.Scan(&d.ID, &d.Name, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

const activationColumns = `id, tenant_id, pipeline_id, active, webhook_id, created_at`

// CreateActivation inserts an activation. A second activation for the same
// (tenant, pipeline) fails with ErrConflict.
func (s *PostgresStore) CreateActivation(ctx context.Context, act *models.Activation) error {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	if act.WebhookID == "" {
		act.WebhookID = uuid.New().String()
	}
	return mapErr(s.db.QueryRow(ctx, `INSERT INTO activations (id, tenant_id, pipeline_id, active, webhook_id)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		act.ID, act.TenantID, act.PipelineID, act.Active, act.WebhookID,
	).Scan(&act.CreatedAt))
}

// GetActivation retrieves an activation by ID.
func (s *PostgresStore) GetActivation(ctx context.Context, id string) (*models.Activation, error) {
	return scanActivation(s.db.QueryRow(ctx, `SELECT `+activationColumns+` FROM activations WHERE id = $1`, id))
}

// GetActivationByWebhookID resolves the opaque webhook address.
func (s *PostgresStore) GetActivationByWebhookID(ctx context.Context, webhookID string) (*models.Activation, error) {
	if _, err := uuid.Parse(webhookID); err != nil {
		return nil, ErrNotFound
	}
	return scanActivation(s.db.QueryRow(ctx, `SELECT `+activationColumns+` FROM activations WHERE webhook_id = $1`, webhookID))
}

// ListActivations returns a tenant's activations.
func (s *PostgresStore) ListActivations(ctx context.Context, tenantID string) ([]*models.Activation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+activationColumns+` FROM activations WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var acts []*models.Activation
	for rows.Next() {
		act, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}
	return acts, rows.Err()
}

// DeleteActivation removes a tenant's activation.
func (s *PostgresStore) DeleteActivation(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM activations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanActivation(row pgx.Row) (*models.Activation, error) {
	var a models.Activation
	if err := row.Scan(&a.ID, &a.TenantID, &a.PipelineID, &a.Active, &a.WebhookID, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}
