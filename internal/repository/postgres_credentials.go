package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"automation-hub/backend/internal/encryption"
	"automation-hub/backend/pkg/models"
)

// SaveCredential upserts the credential for (tenant, service). Every secret
// field is sealed with the tenant key before the write.
func (s *PostgresStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	c, err := s.cipherFor(ctx, &cred.TenantID)
	if err != nil {
		return err
	}

	sealed := make([]string, 0, 6)
	for _, v := range []any{cred.AccessToken, cred.RefreshToken, cred.TokenType, cred.Expiry, cred.APIKey, cred.Extra} {
		out, err := c.Encrypt(v)
		if err != nil {
			return err
		}
		sealed = append(sealed, out)
	}

	return mapErr(s.db.QueryRow(ctx, `INSERT INTO credentials
		(id, tenant_id, service, access_token, refresh_token, token_type, expiry, api_key, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, service) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			api_key = EXCLUDED.api_key,
			extra = EXCLUDED.extra,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		cred.ID, cred.TenantID, cred.Service,
		sealed[0], sealed[1], sealed[2], sealed[3], sealed[4], sealed[5],
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt))
}

// GetCredential loads and opens the credential for (tenant, service). A
// value that cannot be opened (rotated key, corrupted ciphertext) is
// returned as an error, never masked.
func (s *PostgresStore) GetCredential(ctx context.Context, tenantID, service string) (*models.Credential, error) {
	var (
		cred                                    models.Credential
		access, refresh, tokenType, expiry, key string
		extra                                   string
	)
	err := s.db.QueryRow(ctx, `SELECT id, tenant_id, service, access_token, refresh_token, token_type,
			expiry, api_key, extra, created_at, updated_at
		FROM credentials WHERE tenant_id = $1 AND service = $2`, tenantID, service,
	).Scan(&cred.ID, &cred.TenantID, &cred.Service, &access, &refresh, &tokenType,
		&expiry, &key, &extra, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	c, err := s.cipherFor(ctx, &cred.TenantID)
	if err != nil {
		return nil, err
	}
	if err := openCredential(c, &cred, access, refresh, tokenType, expiry, key, extra); err != nil {
		s.logger.Error("failed to open credential", "tenant_id", tenantID, "service", service, "error", err)
		return nil, err
	}
	return &cred, nil
}

func openCredential(c *encryption.Cipher, cred *models.Credential, access, refresh, tokenType, expiry, key, extra string) error {
	for _, f := range []struct {
		in  string
		out *string
	}{
		{access, &cred.AccessToken},
		{refresh, &cred.RefreshToken},
		{tokenType, &cred.TokenType},
		{key, &cred.APIKey},
	} {
		if err := c.DecryptInto(f.in, f.out); err != nil {
			return err
		}
	}

	var exp time.Time
	if err := c.DecryptInto(expiry, &exp); err != nil {
		return err
	}
	cred.Expiry = exp

	var ex map[string]any
	if err := c.DecryptInto(extra, &ex); err != nil {
		return err
	}
	cred.Extra = ex
	return nil
}
