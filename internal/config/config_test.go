package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SIGNING_SECRET", "test-secret")
	t.Setenv("KEK_BASE64", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	t.Setenv("GATEWAY_CONFIG", "")
	t.Setenv("UPSTREAM_MODE", "")
	t.Setenv("GATEWAY_ENV", "")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ModeMock, cfg.UpstreamMode)
	assert.Equal(t, 6*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "America/Toronto", cfg.DefaultTimezone)
	assert.True(t, cfg.Flags.Policy)
	assert.False(t, cfg.Flags.Chaos)
	assert.False(t, cfg.IsProduction())
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	validEnv(t)
	t.Setenv("SIGNING_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "SIGNING_SECRET")
}

func TestLoadRejectsBadKEK(t *testing.T) {
	validEnv(t)
	t.Setenv("KEK_BASE64", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	assert.ErrorContains(t, err, "32 bytes")
}

func TestLoadRejectsUnknownUpstreamMode(t *testing.T) {
	validEnv(t)
	t.Setenv("UPSTREAM_MODE", "staging")

	_, err := Load()
	assert.ErrorContains(t, err, "UPSTREAM_MODE")
}

func TestYAMLOverlay(t *testing.T) {
	validEnv(t)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  timeout_ms:
    openai: 12000
  cache_ttl:
    "serpapi:search": 30s
  breaker:
    failure_threshold: 2
    window_seconds: 10
    cooldown_seconds: 5
    probe_successes: 1
  rate_limit:
    requests: 50
    window_seconds: 30
`), 0o600))
	t.Setenv("GATEWAY_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, cfg.TimeoutFor("openai"))
	assert.Equal(t, cfg.HTTPTimeout, cfg.TimeoutFor("gmail_send"), "unlisted tools use the default deadline")
	assert.Equal(t, 30*time.Second, cfg.CacheTTLFor("serpapi", "search"))
	assert.Equal(t, 2, cfg.Tools.Breaker.FailureThreshold)
	assert.Equal(t, 50, cfg.Tools.RateLimit.Requests)
}

func TestCacheTTLForUnknownPairIsZero(t *testing.T) {
	validEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), cfg.CacheTTLFor("gmail_send", "send"))
	assert.Equal(t, 5*time.Minute, cfg.CacheTTLFor("serpapi", "search"), "default TTL table covers idempotent pairs")
}

func TestFlagParsing(t *testing.T) {
	validEnv(t)
	t.Setenv("FF_CHAOS", "on")
	t.Setenv("FF_POLICY", "off")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Flags.Chaos)
	assert.False(t, cfg.Flags.Policy)
}

func TestIsProduction(t *testing.T) {
	validEnv(t)
	t.Setenv("GATEWAY_ENV", "Production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
