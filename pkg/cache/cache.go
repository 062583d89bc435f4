// Package cache is the request cache in front of the providers. It maps a
// request fingerprint to previously generated output. A cache failure is
// never a request failure: backend errors are logged and the lookup is
// reported as a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/metrics"
	"github.com/pario-ai/copydesk/pkg/models"
)

// ErrUnavailable wraps backend failures.
var ErrUnavailable = errors.New("cache unavailable")

// Backend stores cache entries. Implementations do not interpret ExpiresAt;
// expiry is decided by Cache.
type Backend interface {
	Name() string
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error)
	Set(ctx context.Context, entry models.CacheEntry) error
	Delete(ctx context.Context, fingerprint string) error
	Len(ctx context.Context) (int64, error)
	// Clear removes entries expiring at or before cutoff, or every entry
	// when cutoff is zero. It returns the number removed when known.
	Clear(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Cache is the request cache front used by the generation service.
type Cache struct {
	backend Backend
	enabled bool
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an enabled Cache over backend. A nil backend yields a
// disabled cache.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		enabled: backend != nil,
		ttl:     time.Hour,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "cache"))
	return c
}

// Disabled returns a pass-through cache: every lookup misses and every
// store is dropped.
func Disabled() *Cache {
	return New(nil)
}

// Enabled reports whether lookups can ever hit.
func (c *Cache) Enabled() bool { return c.enabled }

// Lookup returns the live entry for fingerprint. Expired entries are removed
// and reported absent.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (models.CacheEntry, bool) {
	if !c.enabled {
		return models.CacheEntry{}, false
	}

	entry, ok, err := c.backend.Get(ctx, fingerprint)
	if err != nil {
		c.fail("get", err)
		c.miss()
		return models.CacheEntry{}, false
	}
	if !ok {
		c.miss()
		return models.CacheEntry{}, false
	}

	if entry.Expired(c.now()) {
		if err := c.backend.Delete(ctx, fingerprint); err != nil {
			c.fail("delete", err)
		}
		c.miss()
		return models.CacheEntry{}, false
	}

	c.hits.Add(1)
	c.metrics.RecordCacheLookup(c.backend.Name(), true)
	return entry, true
}

// Store saves output under fingerprint, overwriting any previous entry.
// A ttl <= 0 uses the configured default.
func (c *Cache) Store(ctx context.Context, fingerprint, text, imageURL string, ttl time.Duration) {
	if !c.enabled {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := models.CacheEntry{
		Fingerprint: fingerprint,
		Text:        text,
		ImageURL:    imageURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := c.backend.Set(ctx, entry); err != nil {
		c.fail("set", err)
	}
}

// Stats reports hit/miss counters and the backend's entry count.
func (c *Cache) Stats(ctx context.Context) models.CacheStats {
	stats := models.CacheStats{Enabled: c.enabled, Backend: "disabled"}
	if c.enabled {
		stats.Backend = c.backend.Name()
		n, err := c.backend.Len(ctx)
		if err != nil {
			c.fail("len", err)
		}
		stats.Entries = n
	}
	stats.Hits = c.hits.Load()
	stats.Misses = c.misses.Load()
	stats.Errors = c.errors.Load()
	return stats
}

// Clear removes entries. With expiredOnly, only stale entries go.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	if !c.enabled {
		return 0, nil
	}
	var cutoff time.Time
	if expiredOnly {
		cutoff = c.now()
	}
	n, err := c.backend.Clear(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	if !c.enabled {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.RecordCacheLookup(c.backend.Name(), false)
}

func (c *Cache) fail(op string, err error) {
	c.errors.Add(1)
	c.metrics.RecordCacheError(c.backend.Name(), op)
	c.logger.Warn("cache backend failure", zap.String("op", op), zap.Error(err))
}
