package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// Mode controls whether a lookup may be served from cache. The wire flag
// depress_cache (0/1) is mapped to this enum at the transport boundary.
type Mode int

const (
	UseCache Mode = iota
	ForceRecompute
)

const entryPrefix = "deepreview:summary:"

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepreview_cache_hits_total",
		Help: "Summary cache hits.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepreview_cache_misses_total",
		Help: "Summary cache misses (computation triggered).",
	})
)

// Controller caches generated payloads in Redis keyed by request fingerprint.
// Computation for the same fingerprint is serialized with a per-fingerprint
// lock so racing requests do not duplicate work.
type Controller struct {
	client  *redis.Client
	lock    *lock
	ttl     time.Duration
	lockTTL time.Duration
	logger  *log.Logger
}

func NewController(client *redis.Client, ttl, lockTTL time.Duration) *Controller {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Controller{
		client:  client,
		lock:    newLock(client),
		ttl:     ttl,
		lockTTL: lockTTL,
		logger:  log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

// Lookup returns the live cached payload for the key, or found=false.
func (c *Controller) Lookup(ctx context.Context, key Key) (string, bool, error) {
	payload, err := c.client.Get(ctx, entryPrefix+key.Fingerprint()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache lookup failed: %w", err)
	}
	return payload, true, nil
}

// GetOrCompute returns the cached payload when a live entry exists and mode
// is UseCache; otherwise it invokes compute under the fingerprint lock and
// stores the result with a fresh TTL. When the lock is contended it waits for
// the winner and rechecks the cache before computing itself.
func (c *Controller) GetOrCompute(ctx context.Context, key Key, mode Mode, compute func(ctx context.Context) (string, error)) (string, error) {
	fp := key.Fingerprint()

	if mode == UseCache {
		payload, found, err := c.Lookup(ctx, key)
		if err != nil {
			c.logger.Printf("lookup for %s failed, computing: %v", fp[:12], err)
		} else if found {
			cacheHits.Inc()
			return payload, nil
		}
	}
	cacheMisses.Inc()

	acquired, err := c.lock.acquire(ctx, fp, c.lockTTL)
	if err != nil {
		c.logger.Printf("lock acquire for %s failed, computing unserialized: %v", fp[:12], err)
		acquired = true // degrade to duplicate computation, never block the request
	} else if !acquired {
		if payload, ok := c.waitForWinner(ctx, key, mode); ok {
			cacheHits.Inc()
			return payload, nil
		}
	}
	if acquired {
		defer func() {
			if err := c.lock.release(context.WithoutCancel(ctx), fp); err != nil {
				c.logger.Printf("lock release for %s failed: %v", fp[:12], err)
			}
		}()
	}

	payload, err := compute(ctx)
	if err != nil {
		return "", err
	}
	if err := c.Store(ctx, key, payload); err != nil {
		c.logger.Printf("store for %s failed: %v", fp[:12], err)
	}
	return payload, nil
}

// Store writes the payload with the configured TTL, overwriting any entry.
func (c *Controller) Store(ctx context.Context, key Key, payload string) error {
	if err := c.client.Set(ctx, entryPrefix+key.Fingerprint(), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}
	return nil
}

// waitForWinner polls for the entry written by the lock holder. ForceRecompute
// requests never use the winner's result.
func (c *Controller) waitForWinner(ctx context.Context, key Key, mode Mode) (string, bool) {
	if mode == ForceRecompute {
		return "", false
	}
	deadline := time.Now().Add(c.lockTTL)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(500 * time.Millisecond):
		}
		payload, found, err := c.Lookup(ctx, key)
		if err == nil && found {
			return payload, true
		}
		held, err := c.client.Exists(ctx, lockPrefix+key.Fingerprint()).Result()
		if err == nil && held == 0 {
			// Winner finished (or died) without writing; compute ourselves.
			return "", false
		}
	}
	return "", false
}
