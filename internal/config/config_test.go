package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/listpilot
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "https://api.beehiiv.com/v2", cfg.Beehiiv.BaseURL)
	assert.Equal(t, 4, cfg.Jobs.NumWorkers)
	assert.Equal(t, 3, cfg.Jobs.MaxSyncAttempts)
	assert.Equal(t, "@daily 02:00", cfg.Jobs.NightlySyncSchedule)
	assert.Equal(t, 30, cfg.Deletion.GracePeriodDays)
}

func TestLoadReadsValues(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9090
database:
  url: postgres://db:5432/listpilot
jobs:
  num_workers: 8
  nightly_sync_schedule: "@daily 03:30"
mailchimp:
  client_id: mc-client
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://db:5432/listpilot", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Jobs.NumWorkers)
	assert.Equal(t, "@daily 03:30", cfg.Jobs.NightlySyncSchedule)
	assert.Equal(t, "mc-client", cfg.Mailchimp.ClientID)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://local/dev
`)

	t.Setenv("DATABASE_URL", "postgres://prod/listpilot")
	t.Setenv("ENCRYPTION_KEY", "aabb")
	t.Setenv("MAILCHIMP_CLIENT_SECRET", "shh")
	t.Setenv("ARCHIVE_S3_BUCKET", "listpilot-audit")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://prod/listpilot", cfg.Database.URL)
	assert.Equal(t, "aabb", cfg.Encryption.KeyHex)
	assert.Equal(t, "shh", cfg.Mailchimp.ClientSecret)
	assert.Equal(t, "listpilot-audit", cfg.Archive.S3Bucket)
	assert.True(t, cfg.Archive.Enabled, "setting a bucket turns archiving on")
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.Database.URL = "postgres://x"
	assert.Error(t, cfg.Validate())

	cfg.Encryption.KeyHex = "aabb"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
