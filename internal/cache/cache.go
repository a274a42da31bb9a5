// Package cache is the pipeline's optimization layer. Every operation is
// failure-tolerant: a broken or missing backend behaves like an empty cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrMiss is returned by a Backend when the key does not exist.
var ErrMiss = errors.New("cache: miss")

// Backend is the string-keyed store behind a Cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Keys resolves a glob-style pattern to the keys matching it right now.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}

// Cache stores JSON-encoded values with a per-entry TTL.
type Cache struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps backend. A nil backend yields a cache that never hits.
func New(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{backend: backend, logger: logger.With("component", "cache")}
}

// Get decodes the value stored at key into dest and reports whether it did.
// Backend failures and undecodable values both read as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.backend == nil {
		return false
	}
	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Error("Cache get failed.", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("Discarding corrupt cache entry.", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores value under key for ttl. Failures are logged and dropped.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.backend == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("Cache value is not encodable.", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Error("Cache set failed.", "key", key, "error", err)
	}
}

// Invalidate deletes every key matching pattern at call time. Keys written
// after the pattern is resolved survive.
func (c *Cache) Invalidate(ctx context.Context, pattern string) {
	if c == nil || c.backend == nil {
		return
	}
	keys, err := c.backend.Keys(ctx, pattern)
	if err != nil {
		c.logger.Error("Cache key scan failed.", "pattern", pattern, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.logger.Error("Cache delete failed.", "pattern", pattern, "keyCount", len(keys), "error", err)
	}
}
