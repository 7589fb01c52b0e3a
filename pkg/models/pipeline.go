package models

import (
	"encoding/json"
	"time"
)

// PipelineDefinition is the persisted identity of a registered flow.
type PipelineDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Activation links a tenant to an enabled pipeline. WebhookID is the only
// externally visible address of the pair.
type Activation struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	PipelineID string    `json:"pipeline_id"`
	Active     bool      `json:"active"`
	WebhookID  string    `json:"webhook_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// PipelineConfiguration holds per-tenant (or default, TenantID == nil)
// settings for one pipeline. Settings is decoded into the flow's own
// configuration type.
type PipelineConfiguration struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	TenantID   *string         `json:"tenant_id,omitempty"`
	IsDefault  bool            `json:"is_default"`
	Settings   json.RawMessage `json:"settings"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsTenantDefault reports whether the row is the pipeline-wide default.
func (c *PipelineConfiguration) IsTenantDefault() bool {
	return c.TenantID == nil
}
