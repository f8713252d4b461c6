// Package breaker implements the per-provider circuit-breaker state machine.
// All transitions are encoded once, as atomic scripts on the KV backend, so
// the local and distributed paths produce identical observable outcomes and
// multiple gateway instances agree on breaker state.
//
// States: closed (admit all) → open (deny until timeout) → half_open (admit
// up to N probes) → closed. Slot release is deliberately separate from
// outcome recording so that a failing half-open probe both reopens the
// breaker and leaves no slot leaked for requests racing the transition.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/limboys/gateway/internal/config"
	"github.com/limboys/gateway/internal/kv"
)

// State is a breaker state as persisted in the KV backend.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Health maps a state to the provider_health gauge value.
func (s State) Health() float64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 0.5
	default:
		return 1
	}
}

// Key layout per provider. Script KEYS arrive in this order.
const (
	idxState = iota
	idxFailures
	idxSuccess
	idxLastFailure
	idxHalfOpenCount
)

// Keys returns the five breaker keys for a provider, in script order.
func Keys(provider string) []string {
	return []string{
		"cb:state:" + provider,
		"cb:failures:" + provider,
		"cb:success:" + provider,
		"cb:last_failure:" + provider,
		"cb:half_open_count:" + provider,
	}
}

// allowLua decides admission and performs the OPEN→HALF_OPEN transition when
// the open timeout has elapsed. The transitioning probe takes the first
// half-open slot, so concurrent allows racing the boundary admit at most
// ARGV[3] requests in total.
//
// Keys: state, failures, success, last_failure, half_open_count.
// Args: now (s), timeout (s), half_open_requests.
// Returns {allowed (0|1), state, transitioned (0|1)}.
const allowLua = `
local state = redis.call('get', KEYS[1]) or 'closed'
if state == 'closed' then
  return {1, state, 0}
end

local now     = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
local max     = tonumber(ARGV[3])

if state == 'open' then
  local last = tonumber(redis.call('get', KEYS[4]) or '0')
  if now - last > timeout then
    redis.call('set', KEYS[1], 'half_open')
    redis.call('set', KEYS[3], '0')
    redis.call('set', KEYS[5], '1')
    return {1, 'half_open', 1}
  end
  return {0, 'open', 0}
end

local inflight = tonumber(redis.call('get', KEYS[5]) or '0')
if inflight < max then
  redis.call('set', KEYS[5], tostring(inflight + 1))
  return {1, 'half_open', 0}
end
return {0, 'half_open', 0}
`

// recordSuccessLua applies a success outcome. In CLOSED it only zeroes the
// failure counter; the HALF_OPEN success-threshold path is the sole route
// back to CLOSED.
//
// Args: success_threshold.
// Returns {state, transitioned (0|1)}.
const recordSuccessLua = `
local state = redis.call('get', KEYS[1]) or 'closed'
if state == 'closed' then
  redis.call('set', KEYS[2], '0')
  return {'closed', 0}
end
if state == 'half_open' then
  local s = tonumber(redis.call('get', KEYS[3]) or '0') + 1
  if s >= tonumber(ARGV[1]) then
    redis.call('set', KEYS[1], 'closed')
    redis.call('set', KEYS[2], '0')
    redis.call('set', KEYS[3], '0')
    redis.call('set', KEYS[5], '0')
    return {'closed', 1}
  end
  redis.call('set', KEYS[3], tostring(s))
  return {'half_open', 0}
end
return {'open', 0}
`

// recordFailureLua applies a failure outcome. A failure while already OPEN
// leaves the record untouched so stragglers from before the trip cannot
// extend the open window.
//
// Args: now (s), failure_threshold.
// Returns {state, transitioned (0|1)}.
const recordFailureLua = `
local state = redis.call('get', KEYS[1]) or 'closed'
if state == 'closed' then
  local f = tonumber(redis.call('get', KEYS[2]) or '0') + 1
  redis.call('set', KEYS[2], tostring(f))
  if f >= tonumber(ARGV[2]) then
    redis.call('set', KEYS[1], 'open')
    redis.call('set', KEYS[4], ARGV[1])
    return {'open', 1}
  end
  return {'closed', 0}
end
if state == 'half_open' then
  redis.call('set', KEYS[1], 'open')
  redis.call('set', KEYS[4], ARGV[1])
  redis.call('set', KEYS[3], '0')
  redis.call('set', KEYS[5], '0')
  return {'open', 1}
end
return {'open', 0}
`

// releaseLua returns an admitted probe's slot. A no-op outside HALF_OPEN or
// at zero, so the reopen path (which already reset the counter) cannot drive
// it negative.
//
// Returns {remaining_inflight}.
const releaseLua = `
local state = redis.call('get', KEYS[1]) or 'closed'
if state ~= 'half_open' then
  return {0}
end
local n = tonumber(redis.call('get', KEYS[5]) or '0')
if n > 0 then
  n = n - 1
  redis.call('set', KEYS[5], tostring(n))
end
return {n}
`

var (
	allowScript         = kv.NewScript("cb_allow", allowLua, localAllow)
	recordSuccessScript = kv.NewScript("cb_record_success", recordSuccessLua, localRecordSuccess)
	recordFailureScript = kv.NewScript("cb_record_failure", recordFailureLua, localRecordFailure)
	releaseScript       = kv.NewScript("cb_release_half_open_slot", releaseLua, localRelease)
)

// ---------------------------------------------------------------------------
// Local script twins. Each mirrors its Lua source exactly.
// ---------------------------------------------------------------------------

func txGetState(tx kv.Tx, keys []string) State {
	if v, ok := tx.Get(keys[idxState]); ok {
		return State(v)
	}
	return StateClosed
}

func txGetInt(tx kv.Tx, key string) int64 {
	v, ok := tx.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func txGetFloat(tx kv.Tx, key string) float64 {
	v, ok := tx.Get(key)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func localAllow(tx kv.Tx, keys []string, args []string) ([]any, error) {
	state := txGetState(tx, keys)
	if state == StateClosed {
		return []any{int64(1), string(state), int64(0)}, nil
	}

	now, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse now: %w", err)
	}
	timeout, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, fmt.Errorf("parse timeout: %w", err)
	}
	maxProbes, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse half_open_requests: %w", err)
	}

	if state == StateOpen {
		last := txGetFloat(tx, keys[idxLastFailure])
		if now-last > timeout {
			tx.Set(keys[idxState], string(StateHalfOpen), 0)
			tx.Set(keys[idxSuccess], "0", 0)
			tx.Set(keys[idxHalfOpenCount], "1", 0)
			return []any{int64(1), string(StateHalfOpen), int64(1)}, nil
		}
		return []any{int64(0), string(StateOpen), int64(0)}, nil
	}

	inflight := txGetInt(tx, keys[idxHalfOpenCount])
	if inflight < maxProbes {
		tx.Set(keys[idxHalfOpenCount], strconv.FormatInt(inflight+1, 10), 0)
		return []any{int64(1), string(StateHalfOpen), int64(0)}, nil
	}
	return []any{int64(0), string(StateHalfOpen), int64(0)}, nil
}

func localRecordSuccess(tx kv.Tx, keys []string, args []string) ([]any, error) {
	state := txGetState(tx, keys)
	switch state {
	case StateClosed:
		tx.Set(keys[idxFailures], "0", 0)
		return []any{string(StateClosed), int64(0)}, nil
	case StateHalfOpen:
		threshold, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse success_threshold: %w", err)
		}
		s := txGetInt(tx, keys[idxSuccess]) + 1
		if s >= threshold {
			tx.Set(keys[idxState], string(StateClosed), 0)
			tx.Set(keys[idxFailures], "0", 0)
			tx.Set(keys[idxSuccess], "0", 0)
			tx.Set(keys[idxHalfOpenCount], "0", 0)
			return []any{string(StateClosed), int64(1)}, nil
		}
		tx.Set(keys[idxSuccess], strconv.FormatInt(s, 10), 0)
		return []any{string(StateHalfOpen), int64(0)}, nil
	default:
		return []any{string(StateOpen), int64(0)}, nil
	}
}

func localRecordFailure(tx kv.Tx, keys []string, args []string) ([]any, error) {
	state := txGetState(tx, keys)
	switch state {
	case StateClosed:
		threshold, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse failure_threshold: %w", err)
		}
		f := txGetInt(tx, keys[idxFailures]) + 1
		tx.Set(keys[idxFailures], strconv.FormatInt(f, 10), 0)
		if f >= threshold {
			tx.Set(keys[idxState], string(StateOpen), 0)
			tx.Set(keys[idxLastFailure], args[0], 0)
			return []any{string(StateOpen), int64(1)}, nil
		}
		return []any{string(StateClosed), int64(0)}, nil
	case StateHalfOpen:
		tx.Set(keys[idxState], string(StateOpen), 0)
		tx.Set(keys[idxLastFailure], args[0], 0)
		tx.Set(keys[idxSuccess], "0", 0)
		tx.Set(keys[idxHalfOpenCount], "0", 0)
		return []any{string(StateOpen), int64(1)}, nil
	default:
		return []any{string(StateOpen), int64(0)}, nil
	}
}

func localRelease(tx kv.Tx, keys []string, _ []string) ([]any, error) {
	if txGetState(tx, keys) != StateHalfOpen {
		return []any{int64(0)}, nil
	}
	n := txGetInt(tx, keys[idxHalfOpenCount])
	if n > 0 {
		n--
		tx.Set(keys[idxHalfOpenCount], strconv.FormatInt(n, 10), 0)
	}
	return []any{n}, nil
}

// ---------------------------------------------------------------------------
// Breaker
// ---------------------------------------------------------------------------

// Breaker runs the state machine for every provider against one KV store.
type Breaker struct {
	store  kv.Store
	cfg    config.CircuitBreakerConfig
	logger *slog.Logger
	now    func() float64 // wall-clock seconds with fractional precision

	// OnTransition, when set, is invoked after any observed state change
	// (trip, probe, close). Used to publish provider_health and events.
	OnTransition func(provider string, state State)
}

// New creates a breaker with the given thresholds.
func New(store kv.Store, cfg config.CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

func (b *Breaker) transition(provider string, state State) {
	b.logger.Info("circuit breaker transition", "provider", provider, "state", state)
	if b.OnTransition != nil {
		b.OnTransition(provider, state)
	}
}

// Allow decides whether a request to provider may proceed. When the breaker
// is HALF_OPEN (including the OPEN→HALF_OPEN boundary), an admitted request
// holds a probe slot that must be returned via Release on every exit path.
func (b *Breaker) Allow(ctx context.Context, provider string) (bool, State, error) {
	args := []string{
		strconv.FormatFloat(b.now(), 'f', 6, 64),
		strconv.FormatFloat(b.cfg.TimeoutSeconds, 'f', -1, 64),
		strconv.Itoa(b.cfg.HalfOpenRequests),
	}

	res, err := b.store.Eval(ctx, allowScript, Keys(provider), args)
	if err != nil {
		return false, "", fmt.Errorf("breaker allow %s: %w", provider, err)
	}
	if len(res) != 3 {
		return false, "", fmt.Errorf("breaker allow returned %d elements, want 3", len(res))
	}

	allowed, err := kv.ToInt64(res[0])
	if err != nil {
		return false, "", err
	}
	stateStr, err := kv.ToString(res[1])
	if err != nil {
		return false, "", err
	}
	transitioned, err := kv.ToInt64(res[2])
	if err != nil {
		return false, "", err
	}

	state := State(stateStr)
	if transitioned == 1 {
		b.transition(provider, state)
	}
	return allowed == 1, state, nil
}

// RecordSuccess applies a success outcome (transport OK, status < 500).
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) (State, error) {
	res, err := b.store.Eval(ctx, recordSuccessScript, Keys(provider),
		[]string{strconv.Itoa(b.cfg.SuccessThreshold)})
	if err != nil {
		return "", fmt.Errorf("breaker record_success %s: %w", provider, err)
	}
	return b.parseOutcome(provider, res)
}

// RecordFailure applies a failure outcome (transport error or status >= 500).
func (b *Breaker) RecordFailure(ctx context.Context, provider string) (State, error) {
	args := []string{
		strconv.FormatFloat(b.now(), 'f', 6, 64),
		strconv.Itoa(b.cfg.FailureThreshold),
	}
	res, err := b.store.Eval(ctx, recordFailureScript, Keys(provider), args)
	if err != nil {
		return "", fmt.Errorf("breaker record_failure %s: %w", provider, err)
	}
	return b.parseOutcome(provider, res)
}

func (b *Breaker) parseOutcome(provider string, res []any) (State, error) {
	if len(res) != 2 {
		return "", fmt.Errorf("breaker script returned %d elements, want 2", len(res))
	}
	stateStr, err := kv.ToString(res[0])
	if err != nil {
		return "", err
	}
	transitioned, err := kv.ToInt64(res[1])
	if err != nil {
		return "", err
	}
	state := State(stateStr)
	if transitioned == 1 {
		b.transition(provider, state)
	}
	return state, nil
}

// Release returns a half-open probe slot. Safe to call unconditionally on
// every pipeline exit path: it is a no-op unless state = HALF_OPEN with a
// positive in-flight count.
func (b *Breaker) Release(ctx context.Context, provider string) error {
	_, err := b.store.Eval(ctx, releaseScript, Keys(provider), nil)
	if err != nil {
		return fmt.Errorf("breaker release %s: %w", provider, err)
	}
	return nil
}

// State reads the current state without side effects.
func (b *Breaker) State(ctx context.Context, provider string) (State, error) {
	v, ok, err := b.store.Get(ctx, Keys(provider)[idxState])
	if err != nil {
		return "", err
	}
	if !ok {
		return StateClosed, nil
	}
	return State(v), nil
}

// Stats is the admin view of one provider's breaker record.
type Stats struct {
	State         State   `json:"state"`
	Failures      int64   `json:"failures"`
	Success       int64   `json:"success"`
	LastFailure   float64 `json:"last_failure"`
	HalfOpenInUse int64   `json:"half_open_inflight"`
}

// Stats reads the full breaker record for a provider. The five reads are not
// atomic with respect to concurrent transitions, which is acceptable for
// monitoring.
func (b *Breaker) Stats(ctx context.Context, provider string) (Stats, error) {
	keys := Keys(provider)

	state, err := b.State(ctx, provider)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{State: state}
	if v, ok, err := b.store.Get(ctx, keys[idxFailures]); err == nil && ok {
		stats.Failures, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok, err := b.store.Get(ctx, keys[idxSuccess]); err == nil && ok {
		stats.Success, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok, err := b.store.Get(ctx, keys[idxLastFailure]); err == nil && ok {
		stats.LastFailure, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok, err := b.store.Get(ctx, keys[idxHalfOpenCount]); err == nil && ok {
		stats.HalfOpenInUse, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}
