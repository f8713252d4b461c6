// Package ratelimit implements token-bucket admission over three scopes
// (global, per-provider, per-client-IP). The bucket algorithm executes as a
// single atomic script on the KV backend so that multiple gateway instances
// agree on consumption; the same script runs locally when Redis is disabled
// or degraded.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/limboys/gateway/internal/config"
	"github.com/limboys/gateway/internal/kv"
)

// Scope identifies which admission dimension a bucket belongs to.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeProvider Scope = "provider"
	ScopeIP       Scope = "ip"
)

// bucketTTLSeconds is how long an idle bucket survives before it is
// discarded and re-materializes as full.
const bucketTTLSeconds = 60

// checkLua is the Lua source for the atomic token-bucket check.
//
// Bucket state is a single string "tokens:last" with six fractional digits
// in both fields. The format is shared byte-for-byte with the local twin so
// that per-call degradation between backends cannot corrupt a live bucket.
//
// Keys: KEYS[1] = bucket key.
// Args: ARGV[1] = rate (tokens/s), ARGV[2] = burst, ARGV[3] = now (s),
// ARGV[4] = TTL (s).
// Returns {allowed (0|1), used}. A denied check does not mutate state and
// reports the bucket as fully consumed.
const checkLua = `
local key   = KEYS[1]
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now   = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

local tokens = burst
local last   = now

local raw = redis.call('get', key)
if raw then
  local sep = string.find(raw, ':', 1, true)
  if sep then
    tokens = tonumber(string.sub(raw, 1, sep - 1)) or burst
    last   = tonumber(string.sub(raw, sep + 1)) or now
  end
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate)

if tokens >= 1 then
  tokens = tokens - 1
  redis.call('set', key, string.format('%.6f:%.6f', tokens, now), 'EX', ttl)
  return {1, burst - math.floor(tokens)}
end

return {0, burst}
`

// checkScript pairs the Lua source with its local twin. Both produce the
// same persisted format and the same {allowed, used} result.
var checkScript = kv.NewScript("ratelimit_check", checkLua, localCheck)

func localCheck(tx kv.Tx, keys []string, args []string) ([]any, error) {
	rate, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse rate: %w", err)
	}
	burst, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, fmt.Errorf("parse burst: %w", err)
	}
	now, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return nil, fmt.Errorf("parse now: %w", err)
	}
	ttlSec, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return nil, fmt.Errorf("parse ttl: %w", err)
	}

	tokens, last := burst, now
	if raw, ok := tx.Get(keys[0]); ok {
		tokens, last = parseBucket(raw, burst, now)
	}

	elapsed := now - last
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(burst, tokens+elapsed*rate)

	if tokens >= 1 {
		tokens--
		tx.Set(keys[0], formatBucket(tokens, now), time.Duration(ttlSec*float64(time.Second)))
		return []any{int64(1), int64(burst - math.Floor(tokens))}, nil
	}

	return []any{int64(0), int64(burst)}, nil
}

// parseBucket decodes "tokens:last"; malformed fields fall back to a full
// bucket, matching the Lua script.
func parseBucket(raw string, burst, now float64) (tokens, last float64) {
	tokens, last = burst, now
	sep := strings.IndexByte(raw, ':')
	if sep < 0 {
		return tokens, last
	}
	if v, err := strconv.ParseFloat(raw[:sep], 64); err == nil {
		tokens = v
	}
	if v, err := strconv.ParseFloat(raw[sep+1:], 64); err == nil {
		last = v
	}
	return tokens, last
}

func formatBucket(tokens, now float64) string {
	return fmt.Sprintf("%.6f:%.6f", tokens, now)
}

// Decision is the outcome of a single scope check.
type Decision struct {
	Allowed bool
	Scope   Scope
	Burst   int
	Used    int
}

// Limiter performs scoped token-bucket admission against the KV backend.
type Limiter struct {
	store  kv.Store
	logger *slog.Logger
	now    func() float64 // wall-clock seconds with fractional precision
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(store kv.Store, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
		now:    func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Key returns the bucket key for a scope and identifier. Identifiers are
// URL-escaped so arbitrary client strings cannot collide across the key
// namespace.
func Key(scope Scope, identifier string) string {
	return "ratelimit:" + string(scope) + ":" + url.QueryEscape(identifier)
}

// Check runs the atomic bucket check for one scope. A zero-valued bucket
// config (not Enabled) admits without touching the backend.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string, b config.BucketConfig) (Decision, error) {
	if !b.Enabled() {
		return Decision{Allowed: true, Scope: scope, Burst: b.Burst}, nil
	}

	args := []string{
		strconv.FormatFloat(b.Rate, 'f', -1, 64),
		strconv.Itoa(b.Burst),
		strconv.FormatFloat(l.now(), 'f', 6, 64),
		strconv.Itoa(bucketTTLSeconds),
	}

	res, err := l.store.Eval(ctx, checkScript, []string{Key(scope, identifier)}, args)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s/%s: %w", scope, identifier, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned %d elements, want 2", len(res))
	}

	allowed, err := kv.ToInt64(res[0])
	if err != nil {
		return Decision{}, err
	}
	used, err := kv.ToInt64(res[1])
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed: allowed == 1,
		Scope:   scope,
		Burst:   b.Burst,
		Used:    int(used),
	}, nil
}

// Usage reports the current consumption of a bucket without mutating it.
// Used by the admin stats endpoint; the read is not atomic with respect to
// concurrent checks, which is acceptable for monitoring.
func (l *Limiter) Usage(ctx context.Context, scope Scope, identifier string, b config.BucketConfig) (used, burst int, err error) {
	if !b.Enabled() {
		return 0, b.Burst, nil
	}

	raw, ok, err := l.store.Get(ctx, Key(scope, identifier))
	if err != nil {
		return 0, b.Burst, err
	}
	if !ok {
		return 0, b.Burst, nil
	}

	now := l.now()
	tokens, last := parseBucket(raw, float64(b.Burst), now)
	elapsed := now - last
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(float64(b.Burst), tokens+elapsed*b.Rate)

	return b.Burst - int(math.Floor(tokens)), b.Burst, nil
}
