package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"automation-hub/backend/internal/config"
	"automation-hub/backend/internal/encryption"
	"automation-hub/backend/internal/flows"
	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/internal/services"
	"automation-hub/backend/pkg/models"
)

func main() {
	envFile := flag.String("env", "", "Path to .env file")
	domain := flag.String("domain", "localhost", "Email domain of the dev tenant")
	keyRef := flag.String("key-ref", "", "Key reference for the dev tenant (defaults to encryption.default_key_ref)")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool, encryption.NewKeyring(encryption.NewRuntimeVarResolver()), cfg.Encryption.DefaultKeyRef, logger)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if err := seed(ctx, cfg, store, logger, *domain, *keyRef); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete")
}

// seed syncs pipeline definitions, writes default settings, and activates
// every pipeline for a dev tenant. It is safe to run repeatedly.
func seed(ctx context.Context, cfg *config.Config, store repository.Repository, logger *logging.Logger, domain, keyRef string) error {
	svc := services.NewActivationService(store, pipeline.Flows, logger)
	if _, err := svc.Bootstrap(ctx); err != nil {
		return err
	}

	tenant, err := store.GetTenantByDomain(ctx, domain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		tenant = &models.Tenant{Name: "Local Dev Tenant", Domain: domain, Active: true, KeyRef: keyRef}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
		logger.Info("Created dev tenant", "domain", domain, "id", tenant.ID)
	case err != nil:
		return err
	default:
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	for name, settings := range defaultSettings(cfg) {
		raw, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		if _, err := svc.SaveDefaultConfiguration(ctx, name, raw); err != nil {
			return fmt.Errorf("default configuration for %s: %w", name, err)
		}

		act, err := svc.Activate(ctx, tenant.ID, name)
		if errors.Is(err, repository.ErrConflict) {
			logger.Info("Skipping existing activation", "pipeline", name)
			continue
		}
		if err != nil {
			return fmt.Errorf("activate %s: %w", name, err)
		}
		logger.Info("Activated pipeline", "pipeline", name, "webhook", "/webhook/"+act.WebhookID)
	}
	return nil
}

func defaultSettings(cfg *config.Config) map[string]any {
	return map[string]any{
		flows.MeetingNotesName: flows.MeetingNotesConfig{
			MeetingService: "meetings",
			CRMService:     "crm",
			LLMService:     "llm",
			Model:          cfg.LLM.Model,
			TokenBudget:    cfg.LLM.TokenBudget,
			NotifyURI:      "log://meeting-notes",
		},
		flows.LeadFollowUpName: flows.LeadFollowUpConfig{
			CRMService:      "crm",
			NotifyURI:       "log://leads",
			IntervalMinutes: 24 * 60,
			MaxReminders:    5,
		},
	}
}
