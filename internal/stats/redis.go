package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/ae-signal-engine/internal/domain"
)

// RedisTier shares contingency counts between engine instances through
// Redis. All calls go through a circuit breaker so an unavailable Redis only
// costs a local recomputation.
type RedisTier struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
}

// NewRedisTier connects to Redis using the cache configuration.
func NewRedisTier(cfg domain.CacheConfig, logger *logrus.Logger) (*RedisTier, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisTier(client, cfg.DefaultTTL, logger), nil
}

func newRedisTier(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisTier {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "counts-cache",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			}
		},
	})
	return &RedisTier{client: client, breaker: breaker, ttl: ttl}
}

// Get implements RemoteTier.
func (t *RedisTier) Get(ctx context.Context, key string) (domain.ContingencyCounts, bool, error) {
	res, err := t.breaker.Execute(func() (interface{}, error) {
		val, err := t.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return domain.ContingencyCounts{}, false, fmt.Errorf("counts cache get: %w", err)
	}
	raw, _ := res.([]byte)
	if raw == nil {
		return domain.ContingencyCounts{}, false, nil
	}

	var counts domain.ContingencyCounts
	if err := json.Unmarshal(raw, &counts); err != nil {
		return domain.ContingencyCounts{}, false, nil
	}
	return counts, true, nil
}

// AddOnce implements RemoteTier with SETNX, so an existing entry is never
// overwritten.
func (t *RedisTier) AddOnce(ctx context.Context, key string, counts domain.ContingencyCounts) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	_, err = t.breaker.Execute(func() (interface{}, error) {
		return nil, t.client.SetNX(ctx, key, data, t.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("counts cache add: %w", err)
	}
	return nil
}

// State returns the circuit breaker state.
func (t *RedisTier) State() gobreaker.State {
	return t.breaker.State()
}

// Close releases the Redis connection pool.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

// NewCountsCacheFromConfig builds the counts cache described by cfg. When a
// Redis URL is configured but unreachable the cache runs memory-only and a
// warning is logged. The returned close func releases the Redis pool.
func NewCountsCacheFromConfig(cfg domain.CacheConfig, logger *logrus.Logger) (*CountsCache, func() error, error) {
	noop := func() error { return nil }
	var (
		remote  RemoteTier
		closeFn = noop
	)
	if cfg.RedisURL != "" {
		tier, err := NewRedisTier(cfg, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis counts cache unavailable; using memory only")
		} else {
			remote = tier
			closeFn = tier.Close
			logger.Info("Redis counts cache connected")
		}
	}
	cache, err := NewCountsCache(cfg.MaxEntries, remote)
	if err != nil {
		_ = closeFn()
		return nil, noop, err
	}
	return cache, closeFn, nil
}
