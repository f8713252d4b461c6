package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
providers:
  - name: zerion
    prefix: /zerion
    upstream: https://api.zerion.io
    auth_type: basic
    api_key: zk_test
`

func TestLoadFile(t *testing.T) {
	t.Run("minimal config with defaults", func(t *testing.T) {
		cfg, err := LoadFile(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
		assert.Equal(t, 2, cfg.CircuitBreaker.SuccessThreshold)
		assert.Equal(t, 1, cfg.CircuitBreaker.HalfOpenRequests)
		assert.Equal(t, int64(10<<20), cfg.Proxy.MaxBodySize)
		assert.Equal(t, int64(1<<20), cfg.Proxy.CacheMaxBodySize)
		assert.Contains(t, cfg.Logging.SensitiveHeaders, "authorization")

		require.Len(t, cfg.Providers, 1)
		p := cfg.Providers[0]
		assert.Equal(t, "/zerion", p.Prefix)
		assert.Equal(t, AuthTypeBasic, p.AuthType)
		assert.True(t, p.SSLVerifyEnabled())
	})

	t.Run("missing file is env-only but requires providers", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no providers")
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("GATEWAY_SERVER_ADDRESS", ":18080")
		t.Setenv("GATEWAY_REDIS_ENABLED", "true")
		t.Setenv("GATEWAY_REDIS_HOST", "redis.internal")

		cfg, err := LoadFile(writeConfig(t, minimalConfig))
		require.NoError(t, err)
		assert.Equal(t, ":18080", cfg.Server.Address)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr())
	})

	t.Run("prefix normalization", func(t *testing.T) {
		cfg, err := LoadFile(writeConfig(t, `
providers:
  - name: coingecko
    prefix: coingecko/
    upstream: https://api.coingecko.com
`))
		require.NoError(t, err)
		assert.Equal(t, "/coingecko", cfg.Providers[0].Prefix)
		assert.Equal(t, AuthTypeNone, cfg.Providers[0].AuthType)
	})

	t.Run("rejects duplicate prefixes", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, `
providers:
  - name: a
    prefix: /p
    upstream: https://a.example.com
  - name: b
    prefix: /p
    upstream: https://b.example.com
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate provider prefix")
	})

	t.Run("rejects header auth without header name", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, `
providers:
  - name: a
    prefix: /a
    upstream: https://a.example.com
    auth_type: header
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth_header")
	})

	t.Run("rejects invalid upstream scheme", func(t *testing.T) {
		_, err := LoadFile(writeConfig(t, `
providers:
  - name: a
    prefix: /a
    upstream: ftp://a.example.com
`))
		require.Error(t, err)
	})
}

func TestStressOverrides(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, minimalConfig+`
rate_limit:
  global:
    rate: 100
    burst: 200
  per_provider:
    zerion:
      rate: 10
      burst: 20
circuit_breaker:
  failure_threshold: 3
  timeout_seconds: 10
stress_test:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, float64(1000), cfg.RateLimit.Global.Rate)
	assert.Equal(t, 2000, cfg.RateLimit.Global.Burst)
	assert.Equal(t, float64(100), cfg.RateLimit.PerProvider["zerion"].Rate)
	assert.Equal(t, 15, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, float64(5), cfg.CircuitBreaker.TimeoutSeconds)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret", s.Value())
	assert.Empty(t, Secret("").String())
}

func TestProvidersByPrefix(t *testing.T) {
	cfg := &Config{Providers: []ProviderConfig{
		{Name: "short", Prefix: "/a"},
		{Name: "long", Prefix: "/a/v2"},
	}}
	sorted := cfg.ProvidersByPrefix()
	assert.Equal(t, "long", sorted[0].Name)
	assert.Equal(t, "short", sorted[1].Name)
}
