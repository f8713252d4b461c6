package kv

import (
	"context"
	"log/slog"
	"time"
)

// Failover routes every operation to the distributed backend when one is
// configured, degrading that single call to the local backend on any error.
// Degradation is per-call: one Redis hiccup does not disable the distributed
// backend for subsequent requests. Callers of Failover never see a backend
// error for ops the local store can absorb.
//
// No cross-backend consistency is claimed while degraded; the gateway
// prioritizes availability over precise global limits.
type Failover struct {
	remote    Store // nil when Redis is disabled
	local     *Local
	logger    *slog.Logger
	onDegrade func() // metric hook, may be nil
}

// NewFailover builds the degrading store. remote may be nil.
func NewFailover(remote Store, local *Local, logger *slog.Logger, onDegrade func()) *Failover {
	return &Failover{remote: remote, local: local, logger: logger, onDegrade: onDegrade}
}

// DistributedEnabled reports whether a distributed backend is configured.
func (f *Failover) DistributedEnabled() bool { return f.remote != nil }

func (f *Failover) degrade(op string, err error) {
	f.logger.Warn("distributed backend error, degrading to local",
		"op", op, "error", err)
	if f.onDegrade != nil {
		f.onDegrade()
	}
}

// Get implements Store.
func (f *Failover) Get(ctx context.Context, key string) (string, bool, error) {
	if f.remote != nil {
		v, ok, err := f.remote.Get(ctx, key)
		if err == nil {
			return v, ok, nil
		}
		f.degrade("get", err)
	}
	return f.local.Get(ctx, key)
}

// Set implements Store.
func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.remote != nil {
		err := f.remote.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		f.degrade("set", err)
	}
	return f.local.Set(ctx, key, value, ttl)
}

// SetEx implements Store.
func (f *Failover) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.remote != nil {
		err := f.remote.SetEx(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		f.degrade("setex", err)
	}
	return f.local.SetEx(ctx, key, value, ttl)
}

// IncrBy implements Store.
func (f *Failover) IncrBy(ctx context.Context, key string, delta, def int64) (int64, error) {
	if f.remote != nil {
		n, err := f.remote.IncrBy(ctx, key, delta, def)
		if err == nil {
			return n, nil
		}
		f.degrade("incrby", err)
	}
	return f.local.IncrBy(ctx, key, delta, def)
}

// Delete implements Store.
func (f *Failover) Delete(ctx context.Context, key string) error {
	if f.remote != nil {
		err := f.remote.Delete(ctx, key)
		if err == nil {
			return nil
		}
		f.degrade("delete", err)
	}
	return f.local.Delete(ctx, key)
}

// Eval implements Store. A single eval is never split across backends: it
// runs entirely on Redis or, after a Redis error, entirely locally.
func (f *Failover) Eval(ctx context.Context, script *Script, keys []string, args []string) ([]any, error) {
	if f.remote != nil {
		res, err := f.remote.Eval(ctx, script, keys, args)
		if err == nil {
			return res, nil
		}
		f.degrade(script.Name, err)
	}
	return f.local.Eval(ctx, script, keys, args)
}
