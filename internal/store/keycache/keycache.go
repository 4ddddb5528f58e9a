// Package keycache provides a Redis read-through cache for the credential
// lookup on the gateway hot path.
//
// It decorates a store.KeyStore: FindByToken is served from Redis when a
// fresh entry exists, and every mutation (debit, lazy reset) invalidates the
// cached entry so the next admission check observes the updated counters.
//
// Graceful degradation: when Redis is unavailable every operation falls
// through to the inner store, so the proxy never fails due to a missing
// cache. Staleness is bounded by the configured TTL.
package keycache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/metergate/metergate/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	tokenPrefix  = "mg:key:token:"
	idPrefix     = "mg:key:id:"
	queryTimeout = 500 * time.Millisecond
)

// Metrics receives cache lookup outcomes. Optional.
type Metrics interface {
	KeyCacheHit()
	KeyCacheMiss()
}

// CachedKeys is a store.KeyStore backed by Redis in front of another store.
type CachedKeys struct {
	inner   store.KeyStore
	rdb     *redis.Client
	ttl     time.Duration
	log     *slog.Logger
	metrics Metrics
}

// New wraps inner with a Redis cache. The caller owns the client lifecycle.
// ttl bounds how stale a cached credential may be; values ≤ 0 default to 3s.
func New(inner store.KeyStore, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedKeys {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedKeys{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

// SetMetrics injects the hit/miss counters. Nil-safe when never called.
func (c *CachedKeys) SetMetrics(m Metrics) {
	c.metrics = m
}

func (c *CachedKeys) FindByToken(ctx context.Context, token string) (*store.APIKey, error) {
	getCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	raw, err := c.rdb.Get(getCtx, tokenPrefix+token).Bytes()
	cancel()
	if err == nil {
		var k store.APIKey
		if jerr := json.Unmarshal(raw, &k); jerr == nil {
			if c.metrics != nil {
				c.metrics.KeyCacheHit()
			}
			return &k, nil
		}
		// Corrupt entry — fall through and let the refill overwrite it.
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("keycache_get_error", slog.String("error", err.Error()))
	}

	if c.metrics != nil {
		c.metrics.KeyCacheMiss()
	}
	k, err := c.inner.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, k)
	return k, nil
}

func (c *CachedKeys) AddUsage(ctx context.Context, keyID int64, cost float64, now time.Time) error {
	if err := c.inner.AddUsage(ctx, keyID, cost, now); err != nil {
		return err
	}
	c.invalidate(ctx, keyID)
	return nil
}

func (c *CachedKeys) ResetDaily(ctx context.Context, keyID int64, next time.Time, now time.Time) error {
	if err := c.inner.ResetDaily(ctx, keyID, next, now); err != nil {
		return err
	}
	c.invalidate(ctx, keyID)
	return nil
}

func (c *CachedKeys) ResetMonthly(ctx context.Context, keyID int64, next time.Time, now time.Time) error {
	if err := c.inner.ResetMonthly(ctx, keyID, next, now); err != nil {
		return err
	}
	c.invalidate(ctx, keyID)
	return nil
}

// fill stores the credential under its token and records an id → token
// mapping so mutations (which only know the id) can invalidate the entry.
func (c *CachedKeys) fill(ctx context.Context, k *store.APIKey) {
	raw, err := json.Marshal(k)
	if err != nil {
		return
	}

	setCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	pipe := c.rdb.Pipeline()
	pipe.Set(setCtx, tokenPrefix+k.Token, raw, c.ttl)
	pipe.Set(setCtx, idPrefix+itoa(k.ID), k.Token, c.ttl)
	if _, err := pipe.Exec(setCtx); err != nil {
		c.log.Warn("keycache_set_error", slog.String("error", err.Error()))
	}
}

func (c *CachedKeys) invalidate(ctx context.Context, keyID int64) {
	delCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	token, err := c.rdb.Get(delCtx, idPrefix+itoa(keyID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("keycache_invalidate_error", slog.String("error", err.Error()))
		}
		return
	}
	if err := c.rdb.Del(delCtx, tokenPrefix+token, idPrefix+itoa(keyID)).Err(); err != nil {
		c.log.Warn("keycache_invalidate_error", slog.String("error", err.Error()))
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
