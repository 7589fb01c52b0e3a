package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"automation-hub/backend/internal/encryption"
	"automation-hub/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// PostgresStore is the PostgreSQL implementation of Repository. Credential
// and configuration fields are sealed with the owning tenant's key before
// every write and opened after every read, so callers only see plaintext.
type PostgresStore struct {
	db            *pgxpool.Pool
	keys          *encryption.Keyring
	defaultKeyRef string
	logger        Logger
}

// NewPostgresStore creates a new PostgresStore. defaultKeyRef seals rows that
// belong to no tenant.
func NewPostgresStore(db *pgxpool.Pool, keys *encryption.Keyring, defaultKeyRef string, logger Logger) *PostgresStore {
	if logger == nil {
		logger = nopLogger{}
	}
	return &PostgresStore{db: db, keys: keys, defaultKeyRef: defaultKeyRef, logger: logger}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// cipherFor returns the cipher for the tenant's key. Rows without a tenant,
// and tenants without a key of their own, use the default key.
func (s *PostgresStore) cipherFor(ctx context.Context, tenantID *string) (*encryption.Cipher, error) {
	var ref string
	if tenantID != nil {
		if err := s.db.QueryRow(ctx, `SELECT key_ref FROM tenants WHERE id = $1`, *tenantID).Scan(&ref); err != nil {
			return nil, fmt.Errorf("resolve tenant key: %w", mapErr(err))
		}
	}
	if ref == "" {
		ref = s.defaultKeyRef
	}
	return s.keys.Cipher(ctx, ref)
}

// GetTenant retrieves a tenant by ID.
func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return s.scanTenant(s.db.QueryRow(ctx, `SELECT id, name, domain, active, key_ref, created_at, updated_at
		FROM tenants WHERE id = $1`, id))
}

// GetTenantByDomain retrieves a tenant by its email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	return s.scanTenant(s.db.QueryRow(ctx, `SELECT id, name, domain, active, key_ref, created_at, updated_at
		FROM tenants WHERE domain = $1`, domain))
}

// CreateTenant inserts a tenant, assigning an ID when empty.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	return mapErr(s.db.QueryRow(ctx, `INSERT INTO tenants (id, name, domain, active, key_ref)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`,
		tenant.ID, tenant.Name, tenant.Domain, tenant.Active, tenant.KeyRef,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt))
}

func (s *PostgresStore) scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.Active, &t.KeyRef, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// mapErr translates driver errors into repository sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

var _ Repository = (*PostgresStore)(nil)
