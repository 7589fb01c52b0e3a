package repository

import (
	"context"
	"errors"
	"time"

	"automation-hub/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is returned when a write violates a uniqueness invariant.
	ErrConflict = errors.New("repository: conflict")
	// ErrClaimLost is returned when a schedule's claim expired and was taken
	// by another claimer.
	ErrClaimLost = errors.New("repository: schedule claim lost")
)

// TenantStore persists tenants.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// PipelineStore persists pipeline definitions and tenant activations.
type PipelineStore interface {
	// UpsertDefinition creates the definition or updates its version.
	UpsertDefinition(ctx context.Context, def *models.PipelineDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.PipelineDefinition, error)
	GetDefinitionByName(ctx context.Context, name string) (*models.PipelineDefinition, error)
	ListDefinitions(ctx context.Context) ([]*models.PipelineDefinition, error)

	CreateActivation(ctx context.Context, act *models.Activation) error
	GetActivation(ctx context.Context, id string) (*models.Activation, error)
	GetActivationByWebhookID(ctx context.Context, webhookID string) (*models.Activation, error)
	ListActivations(ctx context.Context, tenantID string) ([]*models.Activation, error)
	DeleteActivation(ctx context.Context, tenantID, id string) error
}

// ConfigurationStore persists per-tenant and default pipeline settings.
// Settings are sealed field by field on write and opened on read.
type ConfigurationStore interface {
	// GetConfiguration returns the row for exactly (pipeline, tenant). It
	// never falls back to the default row.
	GetConfiguration(ctx context.Context, pipelineID, tenantID string) (*models.PipelineConfiguration, error)
	// GetDefaultConfiguration returns the tenant-less row for the pipeline.
	GetDefaultConfiguration(ctx context.Context, pipelineID string) (*models.PipelineConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *models.PipelineConfiguration) error
}

// CredentialStore persists tenant credentials, sealed at rest.
type CredentialStore interface {
	GetCredential(ctx context.Context, tenantID, service string) (*models.Credential, error)
	SaveCredential(ctx context.Context, cred *models.Credential) error
}

// ScheduleStore persists scheduled executions.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.ScheduledExecution) error
	GetSchedule(ctx context.Context, id string) (*models.ScheduledExecution, error)
	// ClaimDueSchedules leases up to limit schedules that are due at now and
	// whose window contains hour and day. A claimed row is invisible to
	// other claimers until leaseUntil or until it is completed. Returned
	// rows carry the ClaimToken the other claim methods check.
	ClaimDueSchedules(ctx context.Context, now time.Time, hour, day int, leaseUntil time.Time, limit int) ([]*models.ScheduledExecution, error)
	// ExtendScheduleClaim moves the lease of a claimed row to until. It
	// returns ErrClaimLost when s no longer holds the claim.
	ExtendScheduleClaim(ctx context.Context, s *models.ScheduledExecution, until time.Time) error
	// CompleteSchedule writes back the schedule state and drops the lease.
	// It returns ErrClaimLost when s no longer holds the claim.
	CompleteSchedule(ctx context.Context, s *models.ScheduledExecution) error
}

// NotificationStore persists queued notifications.
type NotificationStore interface {
	QueueNotification(ctx context.Context, n *models.Notification) error
	ListUnsentNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
	ListNotifications(ctx context.Context, tenantID string, limit int) ([]*models.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, reason string) error
}

// Repository is the full data-access boundary.
type Repository interface {
	TenantStore
	PipelineStore
	ConfigurationStore
	CredentialStore
	ScheduleStore
	NotificationStore
	Ping(ctx context.Context) error
}
