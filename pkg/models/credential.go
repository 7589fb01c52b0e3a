package models

import (
	"time"
)

// Credential is the secret material needed to call one external service on a
// tenant's behalf. Every field except ID, TenantID, Service and the
// timestamps is encrypted at rest.
type Credential struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Service      string         `json:"service"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	APIKey       string         `json:"api_key,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasToken reports whether the credential carries OAuth material.
func (c *Credential) HasToken() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}
