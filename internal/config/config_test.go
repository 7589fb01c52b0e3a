package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
db:
  host: db.internal
  port: 6543
  user: app
  name: automations
auth:
  okta_domain: https://example.okta.com/oauth2/default/
  auto_provision: true
scheduler:
  interval: 30s
services:
  crm:
    base_url: https://crm.example.com/api
    token_url: https://crm.example.com/oauth/token
    client_id: crm-client
    timeout: 10s
    max_retries: 3
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, "disable", cfg.DB.SSLMode)
	assert.Equal(t, "https://example.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.True(t, cfg.Auth.AutoProvision)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Lease)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.SplitDelay)

	crm, ok := cfg.Service("crm")
	require.True(t, ok)
	assert.Equal(t, "https://crm.example.com/api", crm.BaseURL)
	assert.Equal(t, 10*time.Second, crm.Timeout)
	assert.EqualValues(t, 3, crm.MaxRetries)

	assert.Contains(t, cfg.DSN(), "host=db.internal port=6543")
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestNormalizeOktaIssuer(t *testing.T) {
	assert.Equal(t, "https://a.okta.com", normalizeOktaIssuer(" https://a.okta.com/ "))
	assert.Equal(t, "", normalizeOktaIssuer(""))
}
