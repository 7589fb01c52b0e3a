package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"automation-hub/backend/internal/apiclient"
	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

var validate = validator.New()

// Run is the environment one flow execution sees. It is created per run and
// must not be retained after the run finishes.
type Run[C any] struct {
	ID         string
	Tenant     *models.Tenant
	Activation *models.Activation
	Definition *models.PipelineDefinition
	Logger     *logging.Logger

	engine *Engine
}

func newRun[C any](e *Engine, t Target) *Run[C] {
	id := uuid.NewString()
	return &Run[C]{
		ID:         id,
		Tenant:     t.Tenant,
		Activation: t.Activation,
		Definition: t.Definition,
		Logger: e.logger.With(
			"run_id", id,
			"tenant_id", t.Tenant.ID,
			"pipeline", t.Definition.Name,
		),
		engine: e,
	}
}

// Now returns the engine clock's current time.
func (r *Run[C]) Now() time.Time {
	return r.engine.now()
}

// Configuration returns the tenant's own configuration for this pipeline,
// or nil when the tenant has none. It never reads the default row; use
// ConfigurationOrDefault for that.
func (r *Run[C]) Configuration(ctx context.Context) (*C, error) {
	row, err := r.engine.svc.Configs.GetConfiguration(ctx, r.Definition.ID, r.Tenant.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.decode(row)
}

// ConfigurationOrDefault is Configuration falling back to the pipeline's
// default row. It returns a MisconfiguredError when neither exists.
func (r *Run[C]) ConfigurationOrDefault(ctx context.Context) (*C, error) {
	conf, err := r.Configuration(ctx)
	if err != nil || conf != nil {
		return conf, err
	}
	row, err := r.engine.svc.Configs.GetDefaultConfiguration(ctx, r.Definition.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &MisconfiguredError{TenantID: r.Tenant.ID, What: "no configuration for " + r.Definition.Name}
	}
	if err != nil {
		return nil, err
	}
	return r.decode(row)
}

func (r *Run[C]) decode(row *models.PipelineConfiguration) (*C, error) {
	conf := new(C)
	if len(row.Settings) > 0 {
		if err := json.Unmarshal(row.Settings, conf); err != nil {
			return nil, &MisconfiguredError{TenantID: r.Tenant.ID, What: fmt.Sprintf("configuration %s: %v", row.ID, err)}
		}
	}
	if err := validate.Struct(conf); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return nil, &MisconfiguredError{TenantID: r.Tenant.ID, What: fmt.Sprintf("configuration %s: %v", row.ID, err)}
		}
	}
	return conf, nil
}

// Credential returns the tenant's credential for service, or nil when the
// tenant has not connected it.
func (r *Run[C]) Credential(ctx context.Context, service string) (*models.Credential, error) {
	cred, err := r.engine.svc.Credentials.GetCredential(ctx, r.Tenant.ID, service)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return cred, err
}

// RequireCredential is Credential with a missing credential reported as a
// MisconfiguredError.
func (r *Run[C]) RequireCredential(ctx context.Context, service string) (*models.Credential, error) {
	cred, err := r.Credential(ctx, service)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &MisconfiguredError{TenantID: r.Tenant.ID, What: "no credential for " + service}
	}
	return cred, nil
}

// API returns an authenticated client for service using the tenant's
// credential.
func (r *Run[C]) API(ctx context.Context, service string) (*apiclient.Manager, error) {
	if r.engine.svc.APIs == nil {
		return nil, fmt.Errorf("pipeline: no api factory configured")
	}
	cred, err := r.RequireCredential(ctx, service)
	if err != nil {
		return nil, err
	}
	return r.engine.svc.APIs.Manager(ctx, cred)
}

// Notify queues a notification for the notify phase. Nothing is sent here.
func (r *Run[C]) Notify(ctx context.Context, uri, title, body string) error {
	return r.engine.svc.Notifications.Queue(ctx, &models.Notification{
		TenantID: r.Tenant.ID,
		URI:      uri,
		Title:    title,
		Body:     body,
	})
}

// Schedule persists s for this run's tenant and activation.
func (r *Run[C]) Schedule(ctx context.Context, s *models.ScheduledExecution) error {
	if r.engine.svc.Schedules == nil {
		return fmt.Errorf("pipeline: no schedule store configured")
	}
	s.TenantID = r.Tenant.ID
	s.ActivationID = r.Activation.ID
	return r.engine.svc.Schedules.CreateSchedule(ctx, s)
}
