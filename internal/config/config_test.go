package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithMemoryBackend(t *testing.T) {
	t.Setenv("DATABASE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Publisher.BatchSize)
	assert.Equal(t, 10, cfg.Publisher.ReducedBatchSize)
	assert.Equal(t, 6*time.Hour, cfg.Publisher.StaggerWindow)
	assert.Equal(t, 40000, cfg.Publisher.MaxMessageBytes)
	assert.Equal(t, 5, cfg.Publisher.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Replay.ClaimLease)
	assert.Equal(t, 600*time.Second, cfg.Replay.NoJobDelay)
	assert.Equal(t, 3, cfg.Verifier.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Verifier.InitialBackoff)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")
	yaml := `
database:
  backend: postgres
  dsn: postgres://file
publisher:
  batch_size: 25
  stagger_window: 2h
replay:
  claim_lease: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("DATABASE_DSN", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, 25, cfg.Publisher.BatchSize)
	assert.Equal(t, 2*time.Hour, cfg.Publisher.StaggerWindow)
	assert.Equal(t, 5*time.Minute, cfg.Replay.ClaimLease)
	// untouched keys keep defaults
	assert.Equal(t, 10, cfg.Publisher.ReducedBatchSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.Database.Backend = "postgres"; c.Database.DSN = "" }},
		{"unknown backend", func(c *Config) { c.Database.Backend = "cosmos" }},
		{"zero batch", func(c *Config) { c.Publisher.BatchSize = 0 }},
		{"settle inverted", func(c *Config) { c.Replay.ClaimSettleMin = time.Minute }},
		{"threshold too long", func(c *Config) { c.Scanner.ExtensionThreshold = c.Scanner.LeaseDuration }},
		{"no routing", func(c *Config) { c.Routing.Destinations = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.Backend = "memory"
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
