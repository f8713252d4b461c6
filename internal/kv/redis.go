package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/limboys/gateway/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// Redis is the distributed backend. Scripted operations run server-side via
// EVALSHA (falling back to EVAL on NOSCRIPT), so concurrent gateways observe
// atomic transitions.
type Redis struct {
	client redis.Client
	logger *slog.Logger
}

// NewRedis wraps a connected client.
func NewRedis(client redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

// Client returns the underlying Redis client (for lifecycle and health checks).
func (r *Redis) Client() redis.Client { return r.client }

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SetEx implements Store.
func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.SetEx(ctx, key, value, ttl).Err()
}

// IncrBy implements Store. A missing key is seeded with def before the
// increment so both backends agree on first-increment results.
func (r *Redis) IncrBy(ctx context.Context, key string, delta, def int64) (int64, error) {
	if def != 0 {
		if err := r.client.SetNX(ctx, key, def, 0).Err(); err != nil {
			return 0, err
		}
	}
	return r.client.IncrBy(ctx, key, delta).Result()
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Eval implements Store via EVALSHA, falling back to EVAL on NOSCRIPT.
// This avoids shipping the script source on every request.
func (r *Redis) Eval(ctx context.Context, script *Script, keys []string, args []string) ([]any, error) {
	argv := make([]any, len(args))
	for i, a := range args {
		argv[i] = a
	}

	cmd := r.client.EvalSha(ctx, script.Hash(), keys, argv...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		r.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"script", script.Name)
		cmd = r.client.Eval(ctx, script.Source(), keys, argv...)
	}
	if cmd.Err() != nil {
		return nil, fmt.Errorf("eval %s: %w", script.Name, cmd.Err())
	}

	return cmd.Slice()
}
