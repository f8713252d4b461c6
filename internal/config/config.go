// Package config handles loading and validation of gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GATEWAY_ prefix:
//
//	server.address → GATEWAY_SERVER_ADDRESS
//	redis.host → GATEWAY_REDIS_HOST
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GATEWAY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gateway/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// AuthType selects how a provider credential is injected into upstream requests.
type AuthType string

const (
	AuthTypeBasic  AuthType = "basic"  // Authorization: Basic base64(key:)
	AuthTypeHeader AuthType = "header" // configured header set to the key
	AuthTypeURL    AuthType = "url"    // key interpolated into the URL path
	AuthTypeNone   AuthType = "none"   // no credential
)

func (a AuthType) Valid() bool {
	switch a {
	case AuthTypeBasic, AuthTypeHeader, AuthTypeURL, AuthTypeNone:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Config structs
// ---------------------------------------------------------------------------

// Config is the root gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"          envPrefix:"SERVER_"`
	Admin          AdminConfig          `yaml:"admin"           envPrefix:"ADMIN_"`
	Redis          RedisConfig          `yaml:"redis"           envPrefix:"REDIS_"`
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"      envPrefix:"RATE_LIMIT_"`
	Proxy          ProxyConfig          `yaml:"proxy"           envPrefix:"PROXY_"`
	Logging        LoggingConfig        `yaml:"logging"         envPrefix:"LOGGING_"`
	Tracing        TracingConfig        `yaml:"tracing"         envPrefix:"TRACING_"`
	Events         EventsConfig         `yaml:"events"          envPrefix:"EVENTS_"`
	StressTest     StressTestConfig     `yaml:"stress_test"     envPrefix:"STRESS_TEST_"`
}

// ServerConfig configures the main proxy listener.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig configures the admin/metrics listener.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// RedisConfig configures the optional distributed coordination backend.
// When Enabled is false all state (buckets, breakers, cache) is process-local.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"    env:"ENABLED"`
	Host      string `yaml:"host"       env:"HOST"`
	Port      int    `yaml:"port"       env:"PORT"`
	DB        int    `yaml:"db"         env:"DB"`
	Password  Secret `yaml:"password"   env:"PASSWORD"`
	Timeout   string `yaml:"timeout"    env:"TIMEOUT"`    // dial/read/write timeout
	PoolSize  int    `yaml:"pool_size"  env:"POOL_SIZE"`  // connection pool size
	KeepAlive string `yaml:"keep_alive" env:"KEEP_ALIVE"` // idle connection keepalive
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Secret is a string whose value is never printed. It marshals as "[REDACTED]"
// and must be unwrapped explicitly with Value().
type Secret string

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// String implements fmt.Stringer; always redacts.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalYAML redacts the secret in any YAML dump.
func (s Secret) MarshalYAML() (any, error) { return s.String(), nil }

// ProviderConfig describes one upstream provider. Descriptors are immutable
// after load.
type ProviderConfig struct {
	Name       string        `yaml:"name"`
	Prefix     string        `yaml:"prefix"`   // URL prefix, e.g. "/zerion"
	Upstream   string        `yaml:"upstream"` // upstream base URL
	AuthType   AuthType      `yaml:"auth_type"`
	AuthHeader string        `yaml:"auth_header"` // for auth_type: header
	APIKey     Secret        `yaml:"api_key"`
	Timeout    TimeoutConfig `yaml:"timeout"`
	Retry      RetryConfig   `yaml:"retry"`
	SSLVerify  *bool         `yaml:"ssl_verify"` // default true
}

// SSLVerifyEnabled returns whether upstream TLS certificates are verified.
func (p ProviderConfig) SSLVerifyEnabled() bool {
	return p.SSLVerify == nil || *p.SSLVerify
}

// TimeoutConfig holds per-attempt upstream timeouts in milliseconds.
type TimeoutConfig struct {
	ConnectMS int `yaml:"connect"`
	SendMS    int `yaml:"send"`
	ReadMS    int `yaml:"read"`
}

// Connect returns the connect timeout as a duration (default 5s).
func (t TimeoutConfig) Connect() time.Duration { return msOrDefault(t.ConnectMS, 5*time.Second) }

// Send returns the send timeout as a duration (default 30s).
func (t TimeoutConfig) Send() time.Duration { return msOrDefault(t.SendMS, 30*time.Second) }

// Read returns the read timeout as a duration (default 30s).
func (t TimeoutConfig) Read() time.Duration { return msOrDefault(t.ReadMS, 30*time.Second) }

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// RetryConfig holds the bounded exponential-backoff retry policy.
type RetryConfig struct {
	Times   int `yaml:"times"`    // additional attempts after the first
	DelayMS int `yaml:"delay_ms"` // base delay between attempts
}

// BaseDelay returns the base retry delay (default 200ms).
func (r RetryConfig) BaseDelay() time.Duration { return msOrDefault(r.DelayMS, 200*time.Millisecond) }

// CircuitBreakerConfig tunes the per-provider breaker state machine.
type CircuitBreakerConfig struct {
	FailureThreshold int     `yaml:"failure_threshold"  env:"FAILURE_THRESHOLD"`
	SuccessThreshold int     `yaml:"success_threshold"  env:"SUCCESS_THRESHOLD"`
	TimeoutSeconds   float64 `yaml:"timeout_seconds"    env:"TIMEOUT_SECONDS"`
	HalfOpenRequests int     `yaml:"half_open_requests" env:"HALF_OPEN_REQUESTS"`
}

// BucketConfig is a single token-bucket (rate, burst) pair.
// rate = tokens per second, burst = bucket capacity.
type BucketConfig struct {
	Rate  float64 `yaml:"rate"  env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// Enabled reports whether this bucket is configured.
func (b BucketConfig) Enabled() bool { return b.Rate >= 0 && b.Burst > 0 }

// RateLimitConfig holds the three admission scopes.
type RateLimitConfig struct {
	Global      BucketConfig            `yaml:"global"       envPrefix:"GLOBAL_"`
	PerProvider map[string]BucketConfig `yaml:"per_provider"`
	PerIP       BucketConfig            `yaml:"per_ip"       envPrefix:"PER_IP_"`
}

// ProxyConfig holds pipeline-wide limits and cache tuning.
type ProxyConfig struct {
	MaxBodySize      int64 `yaml:"max_body_size"       env:"MAX_BODY_SIZE"`       // bytes; request body cap
	CacheTTLSeconds  int   `yaml:"cache_ttl"           env:"CACHE_TTL"`           // seconds
	CacheMaxBodySize int64 `yaml:"cache_max_body_size" env:"CACHE_MAX_BODY_SIZE"` // bytes; response cache cap
}

// CacheTTL returns the fresh-cache TTL (default 60s).
func (p ProxyConfig) CacheTTL() time.Duration {
	if p.CacheTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

// LoggingConfig configures structured logging and redaction.
type LoggingConfig struct {
	Level            LogLevel  `yaml:"level"             env:"LEVEL"`
	Format           LogFormat `yaml:"format"            env:"FORMAT"`
	MaxBodySize      int       `yaml:"max_body_size"     env:"MAX_BODY_SIZE"` // bytes logged before truncation
	SensitiveHeaders []string  `yaml:"sensitive_headers" env:"SENSITIVE_HEADERS" envSeparator:","`
}

// TracingConfig configures the OpenTelemetry OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// EventsConfig configures the optional async access-log exporter.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// StressTestConfig is a single toggle that multiplies rate limits and relaxes
// breaker thresholds for load testing. Never enable in production.
type StressTestConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// Stress-test multipliers applied by ApplyStressOverrides.
const (
	stressRateMultiplier    = 10
	stressFailureMultiplier = 5
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// ConfigFilePath returns the configured or default YAML config file path.
func ConfigFilePath() string {
	if p := os.Getenv("GATEWAY_CONFIG_FILE"); p != "" {
		return p
	}
	return defaultConfigFile
}

// Load reads the YAML config file (if present), applies environment variable
// overrides, fills defaults, applies stress-test overrides, and validates.
func Load() (*Config, error) {
	return LoadFile(ConfigFilePath())
}

// LoadFile loads configuration from an explicit path. A missing file is not
// an error — the configuration then comes entirely from env and defaults.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, unmarshalErr)
		}
	case os.IsNotExist(err):
		// Env-only configuration.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEWAY_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	if cfg.StressTest.Enabled {
		cfg.ApplyStressOverrides()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = ":9090"
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.TimeoutSeconds <= 0 {
		c.CircuitBreaker.TimeoutSeconds = 30
	}
	if c.CircuitBreaker.HalfOpenRequests <= 0 {
		c.CircuitBreaker.HalfOpenRequests = 1
	}
	if c.Proxy.MaxBodySize <= 0 {
		c.Proxy.MaxBodySize = 10 << 20 // 10 MiB
	}
	if c.Proxy.CacheMaxBodySize <= 0 {
		c.Proxy.CacheMaxBodySize = 1 << 20 // 1 MiB
	}
	if c.Logging.MaxBodySize <= 0 {
		c.Logging.MaxBodySize = 2048
	}
	if len(c.Logging.SensitiveHeaders) == 0 {
		c.Logging.SensitiveHeaders = []string{"authorization", "x-api-key", "cookie", "set-cookie"}
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.AuthType == "" {
			p.AuthType = AuthTypeNone
		}
		p.AuthType = AuthType(strings.ToLower(string(p.AuthType)))
		p.Prefix = normalizePrefix(p.Prefix, p.Name)
	}
}

// normalizePrefix ensures the prefix starts with "/" and has no trailing slash.
// An empty prefix falls back to "/" + name.
func normalizePrefix(prefix, name string) string {
	if prefix == "" {
		prefix = name
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}

// ApplyStressOverrides multiplies rate limits and relaxes breaker thresholds
// as a single toggle for stress testing.
func (c *Config) ApplyStressOverrides() {
	c.RateLimit.Global.Rate *= stressRateMultiplier
	c.RateLimit.Global.Burst *= stressRateMultiplier
	c.RateLimit.PerIP.Rate *= stressRateMultiplier
	c.RateLimit.PerIP.Burst *= stressRateMultiplier
	for name, b := range c.RateLimit.PerProvider {
		b.Rate *= stressRateMultiplier
		b.Burst *= stressRateMultiplier
		c.RateLimit.PerProvider[name] = b
	}
	c.CircuitBreaker.FailureThreshold *= stressFailureMultiplier
	c.CircuitBreaker.TimeoutSeconds /= 2
}

// Validate checks the configuration for inconsistencies that would only
// surface at request time otherwise.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	seenName := make(map[string]struct{}, len(c.Providers))
	seenPrefix := make(map[string]struct{}, len(c.Providers))

	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with prefix %q has no name", p.Prefix)
		}
		if _, dup := seenName[p.Name]; dup {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seenName[p.Name] = struct{}{}

		if _, dup := seenPrefix[p.Prefix]; dup {
			return fmt.Errorf("duplicate provider prefix %q", p.Prefix)
		}
		seenPrefix[p.Prefix] = struct{}{}

		u, err := url.Parse(p.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("provider %q: invalid upstream URL %q", p.Name, p.Upstream)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("provider %q: unsupported upstream scheme %q", p.Name, u.Scheme)
		}

		if !p.AuthType.Valid() {
			return fmt.Errorf("provider %q: invalid auth_type %q", p.Name, p.AuthType)
		}
		if p.AuthType == AuthTypeHeader && p.AuthHeader == "" {
			return fmt.Errorf("provider %q: auth_type header requires auth_header", p.Name)
		}
	}

	if c.Logging.Level != "" && !c.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	if c.Logging.Format != "" && !c.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}

	return nil
}

// ProvidersByPrefix returns providers sorted longest-prefix-first, so that
// route matching picks the most specific prefix.
func (c *Config) ProvidersByPrefix() []ProviderConfig {
	out := make([]ProviderConfig, len(c.Providers))
	copy(out, c.Providers)
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return out
}

// ParseDuration parses a duration string, returning def when empty or invalid.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	return d, nil
}
