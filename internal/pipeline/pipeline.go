// Package pipeline implements the request-mediation path: route matching,
// scoped rate limiting, cached reads, circuit-breaker gating, retrying
// upstream forwarding, and response flushing, with observability signals
// emitted at every stage. The pipeline is a straight-line function per
// request; all shared state lives in the KV backend.
package pipeline

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/limboys/gateway/internal/breaker"
	"github.com/limboys/gateway/internal/cache"
	"github.com/limboys/gateway/internal/config"
	"github.com/limboys/gateway/internal/events"
	"github.com/limboys/gateway/internal/observability"
	"github.com/limboys/gateway/internal/ratelimit"
	"github.com/limboys/gateway/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("gateway.pipeline")

// Response headers added by the pipeline.
const (
	headerRequestID = "X-Proxy-Request-ID"
	headerProvider  = "X-Provider"
	headerCache     = "X-Cache"
	headerDegraded  = "X-Degraded"
	headerCacheAge  = "X-Cache-Age"
)

// Pipeline error classifications that do not originate in the upstream client.
const (
	errInvalidProvider = "invalid_provider"
	errRateLimit       = "rate_limit"
	errCircuitBreaker  = "circuit_breaker"
	errMissingAPIKey   = "missing_api_key"
	errRequestTooLarge = "request_too_large"
	errDegradedCache   = "degraded_cache"
	tagCacheHit        = "cache_hit" // not an error; same label dimension
)

// requestIDRng is a CSPRNG seeded from crypto/rand, made goroutine-safe by
// requestIDMu. ChaCha8 avoids a syscall per ID, which matters under high
// concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// requestIDMu serializes access to requestIDRng; a ChaCha8 is not safe for
// concurrent use.
var requestIDMu sync.Mutex

var hostID = func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "gateway"
	}
	return h
}()

// generateRequestID builds "{host}-{unixnano}-{8 hex}" for correlation
// across gateway instances.
func generateRequestID() string {
	requestIDMu.Lock()
	n := requestIDRng.Uint64()
	requestIDMu.Unlock()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	return fmt.Sprintf("%s-%d-%s", hostID, time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}

// route is one provider's matching entry, longest prefix first.
type route struct {
	prefix   string
	provider config.ProviderConfig
}

// Pipeline is the gateway's main http.Handler.
type Pipeline struct {
	cfg      *config.Config
	routes   []route
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	cache    *cache.Store
	upstream *upstream.Client
	metrics  *observability.Metrics
	emitter  *events.Emitter
	exporter *events.Exporter
	logger   *slog.Logger
}

// New assembles the pipeline from its collaborators.
func New(
	cfg *config.Config,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	cacheStore *cache.Store,
	upstreamClient *upstream.Client,
	metrics *observability.Metrics,
	emitter *events.Emitter,
	exporter *events.Exporter,
	logger *slog.Logger,
) *Pipeline {
	sorted := cfg.ProvidersByPrefix()
	routes := make([]route, len(sorted))
	for i, p := range sorted {
		routes[i] = route{prefix: p.Prefix, provider: p}
	}

	return &Pipeline{
		cfg:      cfg,
		routes:   routes,
		limiter:  limiter,
		breaker:  brk,
		cache:    cacheStore,
		upstream: upstreamClient,
		metrics:  metrics,
		emitter:  emitter,
		exporter: exporter,
		logger:   logger,
	}
}

// requestContext tracks one request from entry to response flush.
type requestContext struct {
	id             string
	provider       string
	method         string
	path           string
	clientIP       string
	start          time.Time
	status         int
	upstreamStatus int
	errType        string
	admitted       bool // holds a breaker admission that must be released
}

// ServeHTTP runs the pipeline steps in order. Every terminating branch sets
// the request context fields consumed by the deferred finish.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
		return
	}

	rc := &requestContext{
		id:       generateRequestID(),
		method:   r.Method,
		path:     r.URL.Path,
		clientIP: ratelimit.ClientIP(r),
		start:    time.Now(),
	}
	w.Header().Set(headerRequestID, rc.id)

	// Step 1: resolve provider from the path prefix.
	rt := p.match(r.URL.Path)
	if rt == nil {
		rc.provider = "unknown"
		rc.errType = errInvalidProvider
		p.metrics.IncError(rc.provider, errInvalidProvider)
		p.writeJSON(w, rc, http.StatusNotFound, map[string]any{
			"error": "Provider not found",
		})
		return
	}

	provider := rt.provider
	rc.provider = provider.Name
	w.Header().Set(headerProvider, provider.Name)

	p.metrics.IncRequest(provider.Name, r.Method)
	p.metrics.IncActive(provider.Name)
	defer p.metrics.DecActive(provider.Name)
	p.emitter.RequestStart(rc.id, provider.Name, r.Method, r.URL.Path, rc.clientIP)

	// Steps 2-8 run under a single deferred finish so that slot release and
	// latency emission happen on every exit path, including panics upstream
	// of the response writer and client disconnects.
	defer p.finish(rc)

	// Step 2: admission, global → provider → ip. First rejection wins.
	if denied := p.checkRateLimits(w, r, rc, provider); denied {
		return
	}

	pathAfterPrefix := strings.TrimPrefix(r.URL.Path, rt.prefix)
	if pathAfterPrefix == "" {
		pathAfterPrefix = "/"
	}
	cacheKey := cache.Key(provider.Name, r.Method, pathAfterPrefix, r.URL.RawQuery)
	ctx := r.Context()

	// Step 3: fresh cache read, only while the breaker is closed.
	state, err := p.breaker.State(ctx, provider.Name)
	if err != nil {
		p.logger.Warn("breaker state read failed", "provider", provider.Name, "error", err)
		state = breaker.StateClosed
	}
	if state == breaker.StateClosed && isSafeMethod(r.Method) {
		if entry, ok := p.cache.GetFresh(ctx, cacheKey); ok {
			rc.errType = tagCacheHit
			rc.upstreamStatus = entry.Status
			p.metrics.IncError(provider.Name, tagCacheHit)
			p.writeCached(w, rc, entry, map[string]string{headerCache: "HIT"})
			return
		}
	}

	// Step 4: breaker admission.
	admitted, state, err := p.breaker.Allow(ctx, provider.Name)
	if err != nil {
		// KV failures are never surfaced; treat as a closed breaker.
		p.logger.Warn("breaker allow failed", "provider", provider.Name, "error", err)
		admitted = true
		state = breaker.StateClosed
	}
	rc.admitted = admitted
	if !admitted {
		rc.errType = errCircuitBreaker
		p.metrics.IncError(provider.Name, errCircuitBreaker)
		if p.serveStale(w, r, rc, cacheKey) {
			return
		}
		w.Header().Set("Retry-After", "30")
		p.writeJSON(w, rc, http.StatusServiceUnavailable, map[string]any{
			"error":  "Service temporarily unavailable",
			"reason": errCircuitBreaker,
			"state":  string(state),
		})
		return
	}

	// Step 5: credentials must be present unless the provider needs none.
	if provider.AuthType != config.AuthTypeNone && provider.APIKey.Value() == "" {
		rc.errType = errMissingAPIKey
		p.metrics.IncError(provider.Name, errMissingAPIKey)
		p.writeJSON(w, rc, http.StatusInternalServerError, map[string]any{
			"error": "Service configuration error",
		})
		return
	}

	// Step 6: request body size gate.
	body, tooLarge := p.readBody(r)
	if tooLarge {
		rc.errType = errRequestTooLarge
		p.metrics.IncError(provider.Name, errRequestTooLarge)
		p.writeJSON(w, rc, http.StatusRequestEntityTooLarge, map[string]any{
			"error": "Request body too large",
			"type":  errRequestTooLarge,
		})
		return
	}

	// Step 7: forward with retry, then record the outcome.
	p.forward(w, r, rc, provider, pathAfterPrefix, cacheKey, body)
}

func (p *Pipeline) match(path string) *route {
	for i := range p.routes {
		rt := &p.routes[i]
		if path == rt.prefix || strings.HasPrefix(path, rt.prefix+"/") {
			return rt
		}
	}
	return nil
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// checkRateLimits runs the three scope checks in order. Limiter errors are
// logged and admit — backend trouble never rejects traffic.
func (p *Pipeline) checkRateLimits(w http.ResponseWriter, r *http.Request, rc *requestContext, provider config.ProviderConfig) bool {
	checks := []struct {
		scope      ratelimit.Scope
		identifier string
		bucket     config.BucketConfig
	}{
		{ratelimit.ScopeGlobal, "global", p.cfg.RateLimit.Global},
		{ratelimit.ScopeProvider, provider.Name, p.cfg.RateLimit.PerProvider[provider.Name]},
		{ratelimit.ScopeIP, rc.clientIP, p.cfg.RateLimit.PerIP},
	}

	for _, c := range checks {
		d, err := p.limiter.Check(r.Context(), c.scope, c.identifier, c.bucket)
		if err != nil {
			p.logger.Warn("rate limit check failed",
				"scope", c.scope, "identifier", c.identifier, "error", err)
			continue
		}
		if !d.Allowed {
			rc.errType = errRateLimit
			p.metrics.IncError(provider.Name, errRateLimit)
			p.emitter.RateLimitDenied(rc.id, provider.Name, string(c.scope), c.identifier)
			w.Header().Set("Retry-After", "60")
			p.writeJSON(w, rc, http.StatusTooManyRequests, map[string]any{
				"error": "Rate limit exceeded",
				"type":  string(c.scope),
			})
			return true
		}
	}
	return false
}

// readBody enforces the configured request body cap, first against the
// declared Content-Length and then against the actual bytes read. The body
// is fully buffered so retries can replay it.
func (p *Pipeline) readBody(r *http.Request) (body []byte, tooLarge bool) {
	maxSize := p.cfg.Proxy.MaxBodySize
	if r.ContentLength > maxSize {
		return nil, true
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		p.logger.Warn("reading request body failed", "error", err)
		return nil, false
	}
	if int64(len(data)) > maxSize {
		return nil, true
	}
	return data, false
}

// forward performs the upstream exchange and flushes the response.
func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, rc *requestContext,
	provider config.ProviderConfig, pathAfterPrefix, cacheKey string, body []byte) {

	ctx, span := tracer.Start(r.Context(), "gateway.upstream")
	span.SetAttributes(
		attribute.String("provider", provider.Name),
		attribute.String("http.method", r.Method),
	)
	defer span.End()

	p.emitter.UpstreamRequest(rc.id, provider.Name, r.Method,
		provider.Upstream+pathAfterPrefix, r.Header)

	resp, err := p.upstream.Do(ctx, provider.Name, r.Method, pathAfterPrefix,
		r.URL.RawQuery, r.Header, body, rc.id)
	if err != nil {
		p.handleTransportFailure(w, r, rc, provider, cacheKey, err)
		return
	}

	rc.upstreamStatus = resp.Status
	p.emitter.UpstreamResponse(rc.id, provider.Name, resp.Status, resp.Attempts, resp.Addr)

	// Record the breaker outcome in a context that survives client
	// disconnects: the upstream answered, so the record must land.
	recordCtx := context.WithoutCancel(r.Context())
	if resp.Status < 500 {
		if _, recErr := p.breaker.RecordSuccess(recordCtx, provider.Name); recErr != nil {
			p.logger.Warn("breaker record_success failed", "provider", provider.Name, "error", recErr)
		}
		p.metrics.IncSuccess(provider.Name)
		if p.cache.Cacheable(r.Method, resp.Status, int64(len(resp.Body))) {
			p.cache.Put(recordCtx, cacheKey, resp.Status, resp.Body, resp.Header.Get("Content-Type"))
		}
	} else {
		if _, recErr := p.breaker.RecordFailure(recordCtx, provider.Name); recErr != nil {
			p.logger.Warn("breaker record_failure failed", "provider", provider.Name, "error", recErr)
		}
		p.metrics.IncFailure(provider.Name)
	}

	if statusType := upstream.ClassifyStatus(resp.Status); statusType != "" {
		rc.errType = string(statusType)
		p.metrics.IncError(provider.Name, string(statusType))
	}

	// Flush the upstream response verbatim, augmenting headers only.
	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.Header().Set(headerRequestID, rc.id)
	w.Header().Set(headerProvider, provider.Name)
	rc.status = resp.Status
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (p *Pipeline) handleTransportFailure(w http.ResponseWriter, r *http.Request, rc *requestContext,
	provider config.ProviderConfig, cacheKey string, err error) {

	classification := upstream.ErrUpstream
	var terr *upstream.TransportError
	if errors.As(err, &terr) {
		classification = terr.Type
	}

	rc.errType = string(classification)
	p.metrics.IncFailure(provider.Name)
	p.metrics.IncError(provider.Name, string(classification))
	p.emitter.Error(rc.id, provider.Name, string(classification), err.Error())

	recordCtx := context.WithoutCancel(r.Context())
	if _, recErr := p.breaker.RecordFailure(recordCtx, provider.Name); recErr != nil {
		p.logger.Warn("breaker record_failure failed", "provider", provider.Name, "error", recErr)
	}

	if p.serveStale(w, r, rc, cacheKey) {
		return
	}

	p.writeJSON(w, rc, http.StatusBadGateway, map[string]any{
		"error": "Upstream service error",
		"type":  string(classification),
	})
}

// serveStale attempts the degraded cache fallback for safe methods. The error
// metric for the original classification has already been counted; the
// degraded_cache metric is counted additionally and becomes the request's
// recorded error type.
func (p *Pipeline) serveStale(w http.ResponseWriter, r *http.Request, rc *requestContext, cacheKey string) bool {
	if !isSafeMethod(r.Method) {
		return false
	}
	entry, age, ok := p.cache.GetStale(context.WithoutCancel(r.Context()), cacheKey)
	if !ok {
		return false
	}

	p.metrics.IncError(rc.provider, errDegradedCache)
	rc.errType = errDegradedCache
	rc.upstreamStatus = entry.Status
	p.writeCached(w, rc, entry, map[string]string{
		headerDegraded: "cache",
		headerCacheAge: fmt.Sprintf("%.2f", age),
	})
	return true
}

func (p *Pipeline) writeCached(w http.ResponseWriter, rc *requestContext, entry *cache.Entry, extra map[string]string) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set(headerProvider, rc.provider)
	for name, value := range extra {
		w.Header().Set(name, value)
	}
	rc.status = entry.Status
	w.WriteHeader(entry.Status)
	if rc.method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, rc *requestContext, code int, body map[string]any) {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	rc.status = code
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// finish runs on every exit path from step 2 onward: returns the half-open
// probe slot when one is held, then emits the latency metric, lifecycle end
// event, and access-log record. Runs detached from the request context so a
// client disconnect cannot skip it.
func (p *Pipeline) finish(rc *requestContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if rc.admitted {
		if err := p.breaker.Release(ctx, rc.provider); err != nil {
			p.logger.Warn("breaker release failed", "provider", rc.provider, "error", err)
		}
	}

	latency := float64(time.Since(rc.start).Microseconds()) / 1000.0
	p.metrics.ObserveLatency(rc.provider, latency)
	p.metrics.IncStatus(rc.provider, rc.method, strconv.Itoa(rc.status))
	p.emitter.RequestEnd(rc.id, rc.provider, rc.status, latency, rc.upstreamStatus)
	p.exporter.Emit(events.AccessEvent{
		RequestID:      rc.id,
		Provider:       rc.provider,
		Method:         rc.method,
		Path:           rc.path,
		ClientIP:       rc.clientIP,
		Status:         rc.status,
		UpstreamStatus: rc.upstreamStatus,
		ErrorType:      rc.errType,
		LatencyMS:      latency,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}
