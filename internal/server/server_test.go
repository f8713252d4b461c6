package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/limboys/gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.Default()

func testConfig(upstreamURL string) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{Address: "127.0.0.1:0"},
		Admin:  config.AdminConfig{Address: "127.0.0.1:0"},
		Providers: []config.ProviderConfig{{
			Name:     "zerion",
			Prefix:   "/zerion",
			Upstream: upstreamURL,
			AuthType: config.AuthTypeNone,
		}},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			TimeoutSeconds:   1,
			HalfOpenRequests: 1,
		},
		RateLimit: config.RateLimitConfig{
			Global: config.BucketConfig{Rate: 100, Burst: 100},
			PerProvider: map[string]config.BucketConfig{
				"zerion": {Rate: 50, Burst: 50},
			},
		},
		Proxy: config.ProxyConfig{
			MaxBodySize:      1 << 20,
			CacheTTLSeconds:  60,
			CacheMaxBodySize: 1 << 20,
		},
		Logging: config.LoggingConfig{
			MaxBodySize:      2048,
			SensitiveHeaders: []string{"authorization"},
		},
	}
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	srv, err := New(testConfig("http://127.0.0.1:1"), testLogger, "test")
	require.NoError(t, err)
	assert.NotNil(t, srv.mainServer)
	assert.NotNil(t, srv.adminServer)
	assert.NotNil(t, srv.breaker)
	assert.NotNil(t, srv.limiter)
	srv.cacheStore.Close()
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Redis = config.RedisConfig{Enabled: true, Host: mr.Host(), Port: port}

	srv, err := New(cfg, testLogger, "test")
	require.NoError(t, err)
	require.NotNil(t, srv.redisClient)
	srv.cacheStore.Close()
	_ = srv.redisClient.Close()
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Redis = config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1, Timeout: "200ms"}

	_, err := New(cfg, testLogger, "test")
	require.Error(t, err)
}

func TestMainHandlerProxies(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("upstream says hi"))
	}))
	defer upstreamSrv.Close()

	srv, err := New(testConfig(upstreamSrv.URL), testLogger, "test")
	require.NoError(t, err)
	defer srv.cacheStore.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/zerion/v1/positions", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	srv.mainServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "upstream says hi", rec.Body.String())
	assert.Equal(t, "zerion", rec.Header().Get("X-Provider"))
}

func TestAdminEndpoints(t *testing.T) {
	srv, err := New(testConfig("http://127.0.0.1:1"), testLogger, "test")
	require.NoError(t, err)
	defer srv.cacheStore.Close()

	admin := srv.adminServer.Handler

	t.Run("circuit breaker stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest("GET", "/circuit-breaker-stats", nil))
		require.Equal(t, 200, rec.Code)

		var stats map[string]map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		require.Contains(t, stats, "zerion")
		assert.Equal(t, "closed", stats["zerion"]["state"])
		assert.Equal(t, float64(0), stats["zerion"]["failures"])
	})

	t.Run("rate limit stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest("GET", "/rate-limit-stats", nil))
		require.Equal(t, 200, rec.Code)

		var stats struct {
			Global      *struct{ Used, Burst int } `json:"global"`
			PerProvider map[string]struct {
				Used  int `json:"used"`
				Burst int `json:"burst"`
			} `json:"per_provider"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		require.NotNil(t, stats.Global)
		assert.Equal(t, 100, stats.Global.Burst)
		assert.Contains(t, stats.PerProvider, "zerion")
	})

	t.Run("latency stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest("GET", "/latency-stats", nil))
		assert.Equal(t, 200, rec.Code)
	})

	t.Run("metrics exposition", func(t *testing.T) {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		require.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), "gateway_provider_health")
	})

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, 200, rec.Code)
	})
}

func TestRunAndGracefulShutdown(t *testing.T) {
	srv, err := New(testConfig("http://127.0.0.1:1"), testLogger, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the listeners a moment to come up, then trigger shutdown.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, srv.health.IsReady())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	assert.False(t, srv.health.IsReady())
}
