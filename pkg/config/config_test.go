package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Models.Main)
	assert.Equal(t, "sqlite:///data/aurelius.db", cfg.Database.URL)
	assert.Equal(t, 4000, cfg.Memory.MaxContextTokens)
	assert.Equal(t, 2, cfg.Consensus.BetaThreshold)
	assert.Equal(t, 2, cfg.Consensus.MaxRounds)
	assert.Equal(t, 4000, cfg.Condensation.HotBufferTokens)
	assert.Equal(t, 8000, cfg.Condensation.ChunkThresholdTokens)
	assert.Equal(t, 12000, cfg.Condensation.SummaryBudgetTokens)
}

func TestLoadBytesOverrides(t *testing.T) {
	yaml := `
models:
  main: gpt-4o-mini
  reviewer: claude-sonnet-4-20250514
database:
  url: postgresql://localhost/aurelius
condensation:
  hot_buffer_tokens: 100
  chunk_threshold_tokens: 200
aegean_consensus:
  beta_threshold: 1
`
	cfg, err := LoadBytes([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.Models.Main)
	assert.Equal(t, "postgresql://localhost/aurelius", cfg.Database.URL)
	assert.Equal(t, 100, cfg.Condensation.HotBufferTokens)
	assert.Equal(t, 200, cfg.Condensation.ChunkThresholdTokens)
	assert.Equal(t, 1, cfg.Consensus.BetaThreshold)
	// max_rounds defaults to beta_threshold
	assert.Equal(t, 1, cfg.Consensus.MaxRounds)
}

func TestLoadBytesEnvExpansion(t *testing.T) {
	t.Setenv("AURELIUS_DB_URL", "sqlite:///tmp/test.db")
	t.Setenv("AURELIUS_PORT", "9001")

	yaml := `
database:
  url: ${AURELIUS_DB_URL}
server:
  port: ${AURELIUS_PORT}
`
	cfg, err := LoadBytes([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///tmp/test.db", cfg.Database.URL)
	assert.Equal(t, 9001, cfg.Server.Port)
}

func TestLoadBytesEnvDefault(t *testing.T) {
	yaml := `
database:
  url: ${UNSET_DB_URL:-sqlite:///fallback.db}
`
	cfg, err := LoadBytes([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///fallback.db", cfg.Database.URL)
}

func TestValidateRejectsBadURL(t *testing.T) {
	_, err := LoadBytes([]byte("database:\n  url: mysql://nope\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database url")
}

func TestValidateRejectsMaxRoundsBelowBeta(t *testing.T) {
	yaml := `
aegean_consensus:
  beta_threshold: 3
  max_rounds: 2
`
	_, err := LoadBytes([]byte(yaml))
	require.Error(t, err)
}

func TestUnknownKeysIgnored(t *testing.T) {
	cfg, err := LoadBytes([]byte("telemetry:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
