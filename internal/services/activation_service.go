package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/registry"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

var (
	// ErrUnknownPipeline is returned for a pipeline name with no definition.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrInvalidSettings is returned for settings that are not a JSON object.
	ErrInvalidSettings = errors.New("settings must be a JSON object")
	// ErrInvalidCredential is returned for a credential with no secret.
	ErrInvalidCredential = errors.New("credential needs a service and a token or api key")
)

// ActivationService manages which pipelines a tenant runs and how.
type ActivationService struct {
	repo   repository.Repository
	flows  *registry.Registry[pipeline.Runner]
	logger *logging.Logger
}

// NewActivationService creates a new ActivationService.
func NewActivationService(repo repository.Repository, flows *registry.Registry[pipeline.Runner], logger *logging.Logger) *ActivationService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ActivationService{repo: repo, flows: flows, logger: logger}
}

// Bootstrap writes a definition for every registered flow.
func (s *ActivationService) Bootstrap(ctx context.Context) ([]*models.PipelineDefinition, error) {
	var defs []*models.PipelineDefinition
	for _, e := range s.flows.Entries() {
		def := &models.PipelineDefinition{Name: e.Name, Version: e.Version}
		if err := s.repo.UpsertDefinition(ctx, def); err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", e.Name, err)
		}
		s.logger.Debug("pipeline definition synced", "name", def.Name, "version", def.Version)
		defs = append(defs, def)
	}
	return defs, nil
}

// ListPipelines returns every known pipeline definition.
func (s *ActivationService) ListPipelines(ctx context.Context) ([]*models.PipelineDefinition, error) {
	return s.repo.ListDefinitions(ctx)
}

func (s *ActivationService) definition(ctx context.Context, name string) (*models.PipelineDefinition, error) {
	def, err := s.repo.GetDefinitionByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return def, err
}

// Activate enables pipelineName for tenantID and returns the activation with
// its webhook id.
func (s *ActivationService) Activate(ctx context.Context, tenantID, pipelineName string) (*models.Activation, error) {
	def, err := s.definition(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	act := &models.Activation{TenantID: tenantID, PipelineID: def.ID, Active: true}
	if err := s.repo.CreateActivation(ctx, act); err != nil {
		return nil, err
	}
	s.logger.Info("pipeline activated", "tenant_id", tenantID, "pipeline", pipelineName, "activation_id", act.ID)
	return act, nil
}

// ListActivations returns the tenant's activations.
func (s *ActivationService) ListActivations(ctx context.Context, tenantID string) ([]*models.Activation, error) {
	return s.repo.ListActivations(ctx, tenantID)
}

// Deactivate removes an activation. Its webhook id stops resolving.
func (s *ActivationService) Deactivate(ctx context.Context, tenantID, activationID string) error {
	return s.repo.DeleteActivation(ctx, tenantID, activationID)
}

// GetConfiguration returns the tenant's own configuration for pipelineName.
func (s *ActivationService) GetConfiguration(ctx context.Context, tenantID, pipelineName string) (*models.PipelineConfiguration, error) {
	def, err := s.definition(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	return s.repo.GetConfiguration(ctx, def.ID, tenantID)
}

// SaveConfiguration replaces the tenant's settings for pipelineName.
func (s *ActivationService) SaveConfiguration(ctx context.Context, tenantID, pipelineName string, settings json.RawMessage) (*models.PipelineConfiguration, error) {
	def, err := s.definition(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	if !isObject(settings) {
		return nil, ErrInvalidSettings
	}
	cfg, err := s.repo.GetConfiguration(ctx, def.ID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		cfg = &models.PipelineConfiguration{PipelineID: def.ID, TenantID: &tenantID}
	} else if err != nil {
		return nil, err
	}
	cfg.Settings = settings
	if err := s.repo.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveDefaultConfiguration replaces the pipeline-wide default settings.
func (s *ActivationService) SaveDefaultConfiguration(ctx context.Context, pipelineName string, settings json.RawMessage) (*models.PipelineConfiguration, error) {
	def, err := s.definition(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	if !isObject(settings) {
		return nil, ErrInvalidSettings
	}
	cfg, err := s.repo.GetDefaultConfiguration(ctx, def.ID)
	if errors.Is(err, repository.ErrNotFound) {
		cfg = &models.PipelineConfiguration{PipelineID: def.ID, IsDefault: true}
	} else if err != nil {
		return nil, err
	}
	cfg.Settings = settings
	if err := s.repo.SaveConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveCredential stores cred for its tenant and service.
func (s *ActivationService) SaveCredential(ctx context.Context, cred *models.Credential) error {
	if cred.Service == "" || (!cred.HasToken() && cred.APIKey == "") {
		return ErrInvalidCredential
	}
	if err := s.repo.SaveCredential(ctx, cred); err != nil {
		return err
	}
	s.logger.Info("credential saved", "tenant_id", cred.TenantID, "service", cred.Service)
	return nil
}

// Notifications returns the tenant's recent notifications.
func (s *ActivationService) Notifications(ctx context.Context, tenantID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListNotifications(ctx, tenantID, limit)
}

func isObject(raw json.RawMessage) bool {
	return gjson.ValidBytes(raw) && gjson.ParseBytes(raw).IsObject()
}
