// Package cache implements the read-through response cache for safe methods,
// with stale-fallback semantics for degraded providers. The distributed
// backend is Redis; the local backend is a ristretto cache (TinyLFU within a
// fixed memory budget). A single read or write targets exactly one backend:
// Redis when enabled, degrading that call to local on any Redis error.
//
// Entries are stored with TTL 2×cache_ttl so that the stale-fallback window
// survives backend expiry; freshness is decided by the cached_at timestamp.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/limboys/gateway/internal/kv"
)

// defaultMaxCost is the memory budget for the local cache (64 MiB).
const defaultMaxCost = 64 << 20

// entryOverhead approximates per-entry bookkeeping cost beyond the body.
const entryOverhead = 256

// Entry is a cached upstream response. Entries are immutable once stored.
type Entry struct {
	Status      int     `json:"status"`
	Body        []byte  `json:"body"`
	ContentType string  `json:"content_type"`
	CachedAt    float64 `json:"cached_at"` // wall-clock seconds
}

// Store is the two-backend response cache.
type Store struct {
	remote      kv.Store // nil when Redis is disabled
	local       *ristretto.Cache[string, *Entry]
	ttl         time.Duration
	maxBodySize int64
	logger      *slog.Logger
	now         func() float64

	// OnDegrade, when set, is invoked once per degraded Redis call.
	OnDegrade func()
}

// New creates a response cache. remote may be nil (local-only operation).
func New(remote kv.Store, ttl time.Duration, maxBodySize int64, logger *slog.Logger) (*Store, error) {
	estimatedItems := int64(defaultMaxCost / (entryOverhead + 4096))
	local, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}

	return &Store{
		remote:      remote,
		local:       local,
		ttl:         ttl,
		maxBodySize: maxBodySize,
		logger:      logger,
		now:         func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}, nil
}

// Close releases local cache resources.
func (s *Store) Close() {
	if s.local != nil {
		s.local.Close()
	}
}

// TTL returns the fresh-cache window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Key derives the cache key for a request. The raw query is omitted when empty.
func Key(provider, method, path, rawQuery string) string {
	key := "cache:" + provider + ":" + method + ":" + path
	if rawQuery != "" {
		key += "?" + rawQuery
	}
	return key
}

// Cacheable reports whether a response is eligible for storage: safe method,
// 2xx or 404 status, and a body within the configured size cap.
func (s *Store) Cacheable(method string, status int, bodySize int64) bool {
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if !(status >= 200 && status < 300) && status != http.StatusNotFound {
		return false
	}
	return bodySize <= s.maxBodySize
}

func (s *Store) degrade(op string, err error) {
	s.logger.Warn("cache backend error, degrading to local", "op", op, "error", err)
	if s.OnDegrade != nil {
		s.OnDegrade()
	}
}

// Put stores a response under key. The write targets Redis when enabled,
// falling back to the local cache for this call only on a Redis error.
// Ineligible responses must be filtered with Cacheable before calling.
func (s *Store) Put(ctx context.Context, key string, status int, body []byte, contentType string) {
	e := &Entry{
		Status:      status,
		Body:        body,
		ContentType: contentType,
		CachedAt:    s.now(),
	}

	if s.remote != nil {
		data, err := json.Marshal(e)
		if err != nil {
			s.logger.Debug("cache: marshal error", "key", key, "error", err)
			return
		}
		if err := s.remote.SetEx(ctx, key, string(data), 2*s.ttl); err == nil {
			return
		} else {
			s.degrade("put", err)
		}
	}

	s.local.SetWithTTL(key, e, int64(len(body))+entryOverhead, 2*s.ttl)
	// Wait makes the entry visible to an immediately following read. Only
	// the write path pays this; cache hits have zero extra cost.
	s.local.Wait()
}

// get fetches an entry from the first available backend.
func (s *Store) get(ctx context.Context, key string) (*Entry, bool) {
	if s.remote != nil {
		raw, ok, err := s.remote.Get(ctx, key)
		switch {
		case err != nil:
			s.degrade("get", err)
		case ok:
			var e Entry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				s.logger.Debug("cache: unmarshal error", "key", key, "error", err)
				return nil, false
			}
			return &e, true
		}
	}

	e, ok := s.local.Get(key)
	return e, ok
}

// GetFresh returns the entry iff its age is within the fresh TTL. Used before
// contacting upstream while the provider's breaker is closed.
func (s *Store) GetFresh(ctx context.Context, key string) (*Entry, bool) {
	e, ok := s.get(ctx, key)
	if !ok {
		return nil, false
	}
	if s.age(e) > s.ttl.Seconds() {
		return nil, false
	}
	return e, true
}

// GetStale returns the entry iff its age is within the absolute-stale cap
// (2×TTL), along with the age in seconds for the X-Cache-Age header. Used as
// a degraded fallback when the breaker denies or upstream ultimately fails.
func (s *Store) GetStale(ctx context.Context, key string) (*Entry, float64, bool) {
	e, ok := s.get(ctx, key)
	if !ok {
		return nil, 0, false
	}
	age := s.age(e)
	if age > 2*s.ttl.Seconds() {
		return nil, 0, false
	}
	return e, age, true
}

func (s *Store) age(e *Entry) float64 {
	age := s.now() - e.CachedAt
	if age < 0 {
		age = 0
	}
	return age
}
