// Package kv implements the gateway's coordination substrate: a narrow
// key/value contract with atomic scripted operations and two interchangeable
// backends. The Local backend serializes everything through an in-process
// mutex; the Redis backend executes the same scripts server-side so that
// multiple gateway instances agree on bucket and breaker state. The Failover
// store degrades individual calls from Redis to Local when Redis misbehaves,
// so callers never see a backend error.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Store is the uniform contract over both backends. Values are strings
// (Redis semantics); counters are stored as decimal strings.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetEx stores value with a mandatory TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// IncrBy atomically adds delta to the counter at key, initializing a
	// missing key to def first, and returns the new value.
	IncrBy(ctx context.Context, key string, delta, def int64) (int64, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Eval atomically executes one of the fixed catalogue of scripts.
	Eval(ctx context.Context, script *Script, keys []string, args []string) ([]any, error)
}

// Tx is the view a script gets of the Local store while holding its lock.
// Implementations guarantee the whole script body observes and mutates a
// consistent snapshot.
type Tx interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Delete(key string)
}

// Script is one entry of the fixed script catalogue. The Lua source and the
// local function must be observably equivalent: same inputs, same returned
// values, same state mutations. Scripts receive all numeric arguments as
// strings, mirroring Redis ARGV semantics.
type Script struct {
	Name  string
	Local func(tx Tx, keys []string, args []string) ([]any, error)

	src string // Lua source (for EVAL fallback)
	lua *goredis.Script
}

// NewScript builds a catalogue entry from Lua source and its local twin.
func NewScript(name, lua string, local func(tx Tx, keys []string, args []string) ([]any, error)) *Script {
	return &Script{
		Name:  name,
		Local: local,
		src:   lua,
		lua:   goredis.NewScript(lua),
	}
}

// Hash returns the SHA1 digest Redis expects for EVALSHA.
func (s *Script) Hash() string { return s.lua.Hash() }

// Source returns the Lua source text for the EVAL fallback.
func (s *Script) Source() string { return s.src }

// ToInt64 converts a script result element to int64.
func ToInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("kv: cannot convert %T to int64", v)
	}
}

// ToString converts a script result element to string.
func ToString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("kv: cannot convert %T to string", v)
	}
}
