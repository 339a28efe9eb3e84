package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.Inbox.StaleLockMinutes)
	assert.Equal(t, 5, cfg.Inbox.MaxAttempts)
	assert.Equal(t, 10, cfg.OCR.MaxPagesPerDoc)
	assert.Equal(t, 3, cfg.OCR.TotalAttemptsBudget)
	assert.Equal(t, 0.7, cfg.OCR.CoversheetConfidence)
	assert.Equal(t, 20, cfg.OCR.MinCoversheetFields)
	assert.Equal(t, 0.95, cfg.Backpressure.PoolCriticalThreshold)
	assert.Equal(t, 3, cfg.Poller.InterJobDelaySeconds)
	assert.True(t, cfg.Poller.Enabled)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/intake
blob:
  source_container: upstream
  dest_container: processing
poller:
  batch_size: 50
inbox:
  stale_lock_minutes: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Poller.BatchSize)
	assert.Equal(t, 20, cfg.Inbox.StaleLockMinutes)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Inbox.MaxAttempts)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/value
blob:
  source_container: upstream
  dest_container: processing
`)
	t.Setenv("INTAKE_DATABASE_URL", "postgres://env/value")
	t.Setenv("INTAKE_OCR_BASE_URL", "http://ocr:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/value", cfg.Database.URL)
	assert.Equal(t, "http://ocr:9000", cfg.OCR.BaseURL)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/intake"
		cfg.Blob.SourceContainer = "upstream"
		cfg.Blob.DestContainer = "processing"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing database url", func(t *testing.T) {
		cfg := base()
		cfg.Database.URL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("same containers rejected", func(t *testing.T) {
		cfg := base()
		cfg.Blob.DestContainer = cfg.Blob.SourceContainer
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing containers rejected", func(t *testing.T) {
		cfg := base()
		cfg.Blob.SourceContainer = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero batch size rejected", func(t *testing.T) {
		cfg := base()
		cfg.Poller.BatchSize = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold out of range rejected", func(t *testing.T) {
		cfg := base()
		cfg.Backpressure.PoolCriticalThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})
}
