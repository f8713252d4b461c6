package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/limboys/gateway/internal/breaker"
	"github.com/limboys/gateway/internal/cache"
	"github.com/limboys/gateway/internal/config"
	"github.com/limboys/gateway/internal/events"
	"github.com/limboys/gateway/internal/kv"
	"github.com/limboys/gateway/internal/observability"
	"github.com/limboys/gateway/internal/ratelimit"
	"github.com/limboys/gateway/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGateway bundles a pipeline with the pieces tests inspect.
type testGateway struct {
	pipeline *Pipeline
	store    *kv.Local
	breaker  *breaker.Breaker
	logBuf   *bytes.Buffer
}

func newTestGateway(t *testing.T, upstreamURL string, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := &config.Config{
		Providers: []config.ProviderConfig{{
			Name:     "p",
			Prefix:   "/p",
			Upstream: upstreamURL,
			AuthType: config.AuthTypeBasic,
			APIKey:   "key-p",
			Timeout:  config.TimeoutConfig{ConnectMS: 500, SendMS: 500, ReadMS: 500},
			Retry:    config.RetryConfig{Times: 1, DelayMS: 10},
		}},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			TimeoutSeconds:   0.05,
			HalfOpenRequests: 1,
		},
		Proxy: config.ProxyConfig{
			MaxBodySize:      1 << 20,
			CacheTTLSeconds:  60,
			CacheMaxBodySize: 1 << 20,
		},
		Logging: config.LoggingConfig{
			MaxBodySize:      2048,
			SensitiveHeaders: []string{"authorization", "x-api-key"},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	store := kv.NewLocal()
	limiter := ratelimit.NewLimiter(store, logger)
	brk := breaker.New(store, cfg.CircuitBreaker, logger)
	cacheStore, err := cache.New(nil, cfg.Proxy.CacheTTL(), cfg.Proxy.CacheMaxBodySize, logger)
	require.NoError(t, err)
	t.Cleanup(cacheStore.Close)
	upstreamClient := upstream.NewClient(cfg.Providers, logger)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	redactor := events.NewRedactor(cfg.Logging.SensitiveHeaders, cfg.Logging.MaxBodySize)
	emitter := events.NewEmitter(logger, redactor)

	return &testGateway{
		pipeline: New(cfg, limiter, brk, cacheStore, upstreamClient, metrics, emitter, nil, logger),
		store:    store,
		breaker:  brk,
		logBuf:   &logBuf,
	}
}

func (g *testGateway) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.1:40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.pipeline.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestUnknownPrefix(t *testing.T) {
	var upstreamCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)
	rec := g.do("GET", "/unknown/x", nil)

	assert.Equal(t, 404, rec.Code)
	assert.Contains(t, rec.Body.String(), "Provider not found")
	assert.Zero(t, atomic.LoadInt32(&upstreamCalls), "no upstream call")

	// No breaker mutation: the failure counter key was never created.
	_, ok, err := g.store.Get(t.Context(), "cb:failures:p")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", nil)
	rec := g.do("GET", "/health", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "keep-alive") // hop-by-hop, must be stripped
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)
	rec := g.do("GET", "/p/v1/items?page=2", nil)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `/v1/items`)
	assert.Equal(t, "p", rec.Header().Get("X-Provider"))
	assert.NotEmpty(t, rec.Header().Get("X-Proxy-Request-ID"))
	assert.Empty(t, rec.Header().Get("Connection"), "hop-by-hop response header stripped")
}

func TestRateLimitDenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, func(c *config.Config) {
		c.RateLimit.Global = config.BucketConfig{Rate: 0, Burst: 1}
	})

	rec := g.do("GET", "/p/x", nil)
	assert.Equal(t, 200, rec.Code)

	rec = g.do("GET", "/p/x", nil)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	body := jsonBody(t, rec)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, "global", body["type"])
}

func TestPerProviderAndPerIPScopes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	t.Run("provider scope tag", func(t *testing.T) {
		g := newTestGateway(t, srv.URL, func(c *config.Config) {
			c.RateLimit.PerProvider = map[string]config.BucketConfig{
				"p": {Rate: 0, Burst: 1},
			}
		})
		g.do("GET", "/p/x", nil)
		rec := g.do("GET", "/p/x", nil)
		assert.Equal(t, 429, rec.Code)
		assert.Equal(t, "provider", jsonBody(t, rec)["type"])
	})

	t.Run("ip scope isolates clients", func(t *testing.T) {
		g := newTestGateway(t, srv.URL, func(c *config.Config) {
			c.RateLimit.PerIP = config.BucketConfig{Rate: 0, Burst: 1}
		})

		g.do("GET", "/p/x", nil)
		rec := g.do("GET", "/p/x", nil)
		assert.Equal(t, 429, rec.Code)
		assert.Equal(t, "ip", jsonBody(t, rec)["type"])

		// A different client IP has its own bucket.
		rec = g.do("GET", "/p/x", map[string]string{"X-Forwarded-For": "203.0.113.9"})
		assert.Equal(t, 200, rec.Code)
	})
}

func TestBreakerTripAndRecovery(t *testing.T) {
	var mode atomic.Int32 // 0 = fail, 1 = succeed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mode.Load() == 0 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, func(c *config.Config) {
		c.Providers[0].Retry.Times = 0 // one attempt per request, cleaner counting
	})
	ctx := t.Context()

	// Three 500s trip the breaker.
	for i := 0; i < 3; i++ {
		rec := g.do("GET", "/p/x", nil)
		assert.Equal(t, 500, rec.Code)
	}
	st, err := g.breaker.State(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, st)

	// Fourth request sees the open breaker.
	rec := g.do("GET", "/p/x", nil)
	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	body := jsonBody(t, rec)
	assert.Equal(t, "circuit_breaker", body["reason"])
	assert.Equal(t, "open", body["state"])

	// After the open timeout one probe is admitted; a success keeps the
	// breaker half-open with success=1.
	mode.Store(1)
	time.Sleep(80 * time.Millisecond)
	rec = g.do("GET", "/p/x", nil)
	assert.Equal(t, 200, rec.Code)

	stats, err := g.breaker.Stats(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateHalfOpen, stats.State)
	assert.Equal(t, int64(1), stats.Success)
	assert.Zero(t, stats.HalfOpenInUse, "probe slot released on exit")

	// Second successful probe closes the breaker and zeroes the counters.
	rec = g.do("GET", "/p/x", nil)
	assert.Equal(t, 200, rec.Code)

	stats, err = g.breaker.Stats(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, stats.State)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Success)
	assert.Zero(t, stats.HalfOpenInUse)
}

func TestCacheHit(t *testing.T) {
	var upstreamCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"cached":true}`))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)

	rec := g.do("GET", "/p/data", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))

	rec = g.do("GET", "/p/data", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, `{"cached":true}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamCalls), "second response came from cache")
}

func TestPostIsNeverCached(t *testing.T) {
	var upstreamCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)
	g.do("POST", "/p/data", nil)
	g.do("POST", "/p/data", nil)
	assert.Equal(t, int32(2), atomic.LoadInt32(&upstreamCalls))
}

func TestStaleFallback(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("cached body"))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, func(c *config.Config) {
		c.Providers[0].Retry.Times = 0
	})

	// Prime the cache.
	rec := g.do("GET", "/p/x", nil)
	require.Equal(t, 200, rec.Code)

	// Trip the breaker on a different path so /p/x stays cached.
	failing.Store(true)
	for i := 0; i < 3; i++ {
		g.do("GET", "/p/fail", nil)
	}
	st, err := g.breaker.State(t.Context(), "p")
	require.NoError(t, err)
	require.Equal(t, breaker.StateOpen, st)

	// The denied request is served from stale cache with degraded markers.
	rec = g.do("GET", "/p/x", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "cached body", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get("X-Degraded"))

	age := rec.Header().Get("X-Cache-Age")
	require.NotEmpty(t, age)
	var ageVal float64
	_, err = fmt.Sscanf(age, "%f", &ageVal)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ageVal, 0.0)
}

func TestRetryOnDroppedConnection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("second attempt"))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)

	start := time.Now()
	rec := g.do("GET", "/p/x", nil)
	elapsed := time.Since(start)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "second attempt", rec.Body.String())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "exactly two upstream attempts")
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond, "backoff slept at least base_delay")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestNoRetryOnPost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)
	rec := g.do("POST", "/p/x", nil)

	assert.Equal(t, 502, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "non-idempotent method attempted once")
	body := jsonBody(t, rec)
	assert.Equal(t, "Upstream service error", body["error"])
	assert.NotEmpty(t, body["type"])
}

func TestMissingAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, func(c *config.Config) {
		c.Providers[0].APIKey = ""
	})
	rec := g.do("GET", "/p/x", nil)

	assert.Equal(t, 500, rec.Code)
	assert.Contains(t, rec.Body.String(), "Service configuration error")
}

func TestRequestTooLarge(t *testing.T) {
	var upstreamCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, func(c *config.Config) {
		c.Proxy.MaxBodySize = 8
	})

	req := httptest.NewRequest("POST", "/p/x", strings.NewReader("far too large a payload"))
	req.RemoteAddr = "192.0.2.1:40000"
	rec := httptest.NewRecorder()
	g.pipeline.ServeHTTP(rec, req)

	assert.Equal(t, 413, rec.Code)
	assert.Equal(t, "request_too_large", jsonBody(t, rec)["type"])
	assert.Zero(t, atomic.LoadInt32(&upstreamCalls), "rejected before forwarding")
}

func TestHeaderRedactionAndInjection(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(200)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)
	rec := g.do("GET", "/p/x", map[string]string{"Authorization": "Bearer leaked"})
	require.Equal(t, 200, rec.Code)

	// Outbound: basic credential injected, inbound value overwritten.
	auth := got.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "Basic "), "got %q", auth)
	assert.NotContains(t, auth, "leaked")
	assert.NotEmpty(t, got.Get("x-onekey-request-id"))

	// Logged upstream-request event has the header redacted.
	logs := g.logBuf.String()
	assert.Contains(t, logs, "[REDACTED]")
	assert.NotContains(t, logs, "leaked")
}

func TestUpstream4xxIsNotABreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, nil)
	for i := 0; i < 5; i++ {
		rec := g.do("POST", "/p/x", nil)
		assert.Equal(t, 404, rec.Code)
	}

	st, err := g.breaker.State(t.Context(), "p")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, st, "4xx responses never trip the breaker")
}
