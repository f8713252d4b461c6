package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Local is the in-process backend: a mutex-guarded map from key to value
// with absolute expiry. Scripts run under the same mutex, giving them the
// global critical section the contract requires. Expired entries are
// deleted lazily when read; writes do not sweep other expired entries.
type Local struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewLocal creates an empty local store.
func NewLocal() *Local {
	return &Local{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// get returns the live entry for key, deleting it when expired.
// Callers must hold l.mu.
func (l *Local) get(key string) (localEntry, bool) {
	e, ok := l.entries[key]
	if !ok {
		return localEntry{}, false
	}
	if !e.expiresAt.IsZero() && l.now().After(e.expiresAt) {
		delete(l.entries, key)
		return localEntry{}, false
	}
	return e, true
}

func (l *Local) set(key, value string, ttl time.Duration) {
	e := localEntry{value: value}
	if ttl > 0 {
		e.expiresAt = l.now().Add(ttl)
	}
	l.entries[key] = e
}

// Get implements Store.
func (l *Local) Get(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Store.
func (l *Local) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(key, value, ttl)
	return nil
}

// SetEx implements Store.
func (l *Local) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return l.Set(ctx, key, value, ttl)
}

// IncrBy implements Store.
func (l *Local) IncrBy(_ context.Context, key string, delta, def int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := def
	if e, ok := l.get(key); ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	l.set(key, strconv.FormatInt(current, 10), 0)
	return current, nil
}

// Delete implements Store.
func (l *Local) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// Eval implements Store. The script body runs with the store mutex held,
// observing and mutating a consistent snapshot via the Tx view.
func (l *Local) Eval(_ context.Context, script *Script, keys []string, args []string) ([]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return script.Local(&localTx{l: l}, keys, args)
}

// localTx adapts Local's locked internals to the Tx interface.
type localTx struct {
	l *Local
}

func (tx *localTx) Get(key string) (string, bool) {
	e, ok := tx.l.get(key)
	if !ok {
		return "", false
	}
	return e.value, true
}

func (tx *localTx) Set(key, value string, ttl time.Duration) {
	tx.l.set(key, value, ttl)
}

func (tx *localTx) Delete(key string) {
	delete(tx.l.entries, key)
}
