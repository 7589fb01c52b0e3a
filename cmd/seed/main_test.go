package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-hub/backend/internal/config"
	"automation-hub/backend/internal/flows"
	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
)

func TestSeed_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	cfg := &config.Config{}
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.TokenBudget = 8000

	require.NoError(t, seed(ctx, cfg, store, logging.Nop(), "localhost", ""))
	require.NoError(t, seed(ctx, cfg, store, logging.Nop(), "localhost", ""))

	tenant, err := store.GetTenantByDomain(ctx, "localhost")
	require.NoError(t, err)
	assert.True(t, tenant.Active)

	acts, err := store.ListActivations(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, acts, 2)

	def, err := store.GetDefinitionByName(ctx, flows.MeetingNotesName)
	require.NoError(t, err)
	row, err := store.GetDefaultConfiguration(ctx, def.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"meeting_service":"meetings","crm_service":"crm","llm_service":"llm",
		"model":"gpt-4o-mini","token_budget":8000,"notify_uri":"log://meeting-notes",
		"follow_up_after_minutes":0
	}`, string(row.Settings))
}
