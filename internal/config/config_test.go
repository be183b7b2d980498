package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg := Load()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Zero(t, cfg.FeedRefreshInterval)
	assert.Empty(t, cfg.AbuseIPDBKey)

	// No guessed database: an absent DATABASE_URL stays empty so startup
	// can refuse to run instead of connecting somewhere unintended.
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FEED_REFRESH_INTERVAL", "30m")
	t.Setenv("RATE_LIMIT_RPS", "10")
	t.Setenv("ABUSEIPDB_API_KEY", "key-123")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.FeedRefreshInterval)
	assert.Equal(t, 10, cfg.RateLimitRPS)
	assert.Equal(t, "key-123", cfg.AbuseIPDBKey)
}

func TestLoadIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "many")
	t.Setenv("FEED_REFRESH_INTERVAL", "soonish")

	cfg := Load()
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Zero(t, cfg.FeedRefreshInterval)
}

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - name: emerging_threats
    source_type: feed
    url: https://rules.emergingthreats.net
    reliability_score: 80
    enabled: true
  - name: internal_honeypots
    source_type: internal
    reliability_score: 95
    enabled: false
`), 0o644))

	sources, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "emerging_threats", sources[0].Name)
	assert.Equal(t, 80, sources[0].ReliabilityScore)
	assert.True(t, sources[0].Enabled)
	assert.False(t, sources[1].Enabled)
}

func TestLoadSourcesMissingFile(t *testing.T) {
	_, err := LoadSources(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
