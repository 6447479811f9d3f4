// Package redis mirrors published lines and the channel directory into Redis
// so tools outside the relay can follow channels without a websocket.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var connectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// NewClient parses redisURL, installs the metrics and circuit breaker hooks
// and waits for Redis to answer a PING, retrying with backoff.
func NewClient(ctx context.Context, redisURL string, m *metrics.MirrorMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if m != nil {
		rdb.AddHook(NewMetricsHook(m))
	}
	rdb.AddHook(NewCircuitBreakerHook(m))

	policy := connectPolicy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	err = retry.DoVoid(ctx, policy, retry.Always, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
