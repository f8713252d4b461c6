// Package server assembles and runs the gateway: the main proxy listener
// (HTTP/1.1 + h2c) and the admin listener exposing health checks, Prometheus
// metrics, and per-provider breaker and rate-limit statistics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/limboys/gateway/internal/breaker"
	"github.com/limboys/gateway/internal/cache"
	"github.com/limboys/gateway/internal/config"
	"github.com/limboys/gateway/internal/events"
	"github.com/limboys/gateway/internal/kv"
	"github.com/limboys/gateway/internal/observability"
	"github.com/limboys/gateway/internal/pipeline"
	"github.com/limboys/gateway/internal/ratelimit"
	iredis "github.com/limboys/gateway/internal/redis"
	"github.com/limboys/gateway/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// Server is the running gateway instance.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	adminServer     *http.Server
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	limiter         *ratelimit.Limiter
	breaker         *breaker.Breaker
	cacheStore      *cache.Store
	exporter        *events.Exporter
	redisClient     iredis.Client // nil when Redis is disabled
	tracingShutdown func(context.Context) error
}

// New wires every component and returns a ready-to-run server.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// Coordination substrate: Redis when enabled, always a local fallback.
	var remote kv.Store
	var redisClient iredis.Client
	if cfg.Redis.Enabled {
		client, err := iredis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = client
		remote = kv.NewRedis(client, logger)
		health.SetRedisPinger(pingAdapter{client})
		logger.Info("distributed backend enabled", "addr", cfg.Redis.Addr())
	} else {
		logger.Info("distributed backend disabled, coordination is process-local")
	}

	store := kv.NewFailover(remote, kv.NewLocal(), logger, nil)

	limiter := ratelimit.NewLimiter(store, logger)
	brk := breaker.New(store, cfg.CircuitBreaker, logger)

	cacheStore, err := cache.New(remote, cfg.Proxy.CacheTTL(), cfg.Proxy.CacheMaxBodySize, logger)
	if err != nil {
		return nil, err
	}

	upstreamClient := upstream.NewClient(cfg.Providers, logger)

	redactor := events.NewRedactor(cfg.Logging.SensitiveHeaders, cfg.Logging.MaxBodySize)
	emitter := events.NewEmitter(logger, redactor)
	exporter := events.NewExporter(cfg.Events, logger)

	// Breaker transitions drive the provider_health gauge and the
	// transition event stream.
	brk.OnTransition = func(provider string, state breaker.State) {
		metrics.SetProviderHealth(provider, state.Health())
		emitter.BreakerTransition(provider, string(state))
	}
	for _, p := range cfg.Providers {
		metrics.SetProviderHealth(p.Name, observability.HealthClosed)
	}

	pl := pipeline.New(cfg, limiter, brk, cacheStore, upstreamClient, metrics, emitter, exporter, logger)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		health:      health,
		metrics:     metrics,
		limiter:     limiter,
		breaker:     brk,
		cacheStore:  cacheStore,
		exporter:    exporter,
		redisClient: redisClient,
	}
	s.mainServer = buildMainServer(cfg, pl)
	s.adminServer = s.buildAdminServer(reg)

	return s, nil
}

// pingAdapter narrows the go-redis client to the health checker's Pinger.
type pingAdapter struct {
	client iredis.Client
}

func (p pingAdapter) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, h2s),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB cap on request headers
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func (s *Server) buildAdminServer(reg *prometheus.Registry) *http.Server {
	readTimeout, _ := config.ParseDuration(s.cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout, _ := config.ParseDuration(s.cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout, _ := config.ParseDuration(s.cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/healthz", s.health.HealthzHandler())
	mux.Handle("/readyz", s.health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/circuit-breaker-stats", s.circuitBreakerStats)
	mux.HandleFunc("/rate-limit-stats", s.rateLimitStats)
	mux.HandleFunc("/latency-stats", s.latencyStats)

	return &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Run starts both listeners and blocks until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("main server listening", "addr", s.mainServer.Addr)
		if serveErr := s.mainServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			return fmt.Errorf("main server: %w", serveErr)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("admin server listening", "addr", s.adminServer.Addr)
		if serveErr := s.adminServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", serveErr)
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		s.shutdown()
		return nil
	})

	s.health.SetReady()
	return g.Wait()
}

func (s *Server) shutdown() {
	s.health.SetNotReady()
	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 15*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	s.logger.Info("shutting down", "drain_timeout", drainTimeout)
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Warn("main server shutdown", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Warn("admin server shutdown", "error", err)
	}

	if err := s.exporter.Close(); err != nil {
		s.logger.Warn("events exporter close", "error", err)
	}
	s.cacheStore.Close()
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracing shutdown", "error", err)
		}
	}
}
