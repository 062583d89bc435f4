package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/copydesk/pkg/cache"
	"github.com/pario-ai/copydesk/pkg/cache/memory"
	"github.com/pario-ai/copydesk/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newCache(clock *fakeClock) *cache.Cache {
	return cache.New(memory.New(100), cache.WithTTL(time.Hour), cache.WithClock(clock.Now))
}

func TestStoreThenLookup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	c.Store(ctx, "F", "T", "", time.Hour)
	got, ok := c.Lookup(ctx, "F")
	require.True(t, ok)
	assert.Equal(t, "T", got.Text)
	assert.Empty(t, got.ImageURL)
	assert.Equal(t, clock.t.Add(time.Hour), got.ExpiresAt)

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, "memory", stats.Backend)
}

func TestLookupUnknownIsAbsent(t *testing.T) {
	c := newCache(&fakeClock{t: time.Now()})
	_, ok := c.Lookup(context.Background(), "nope")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats(context.Background()).Misses)
}

func TestExpiredEntryIsEvictedOnLookup(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	c.Store(ctx, "F", "T", "https://img/1.png", 10*time.Second)
	clock.Advance(11 * time.Second)

	_, ok := c.Lookup(ctx, "F")
	assert.False(t, ok)
	assert.Zero(t, c.Stats(ctx).Entries, "expired entry should be removed")
}

func TestBoundaryIsExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	c.Store(ctx, "F", "T", "", time.Minute)
	clock.Advance(time.Minute)
	_, ok := c.Lookup(ctx, "F")
	assert.False(t, ok)
}

func TestStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	c := newCache(&fakeClock{t: time.Now()})

	c.Store(ctx, "F", "first", "", 0)
	c.Store(ctx, "F", "second", "https://img/2.png", 0)
	got, ok := c.Lookup(ctx, "F")
	require.True(t, ok)
	assert.Equal(t, "second", got.Text)
	assert.Equal(t, "https://img/2.png", got.ImageURL)
}

func TestDefaultTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	c.Store(ctx, "F", "T", "", 0)
	got, _ := c.Lookup(ctx, "F")
	assert.Equal(t, clock.t.Add(time.Hour), got.ExpiresAt)
}

func TestDisabledIsPassThrough(t *testing.T) {
	ctx := context.Background()
	c := cache.Disabled()

	c.Store(ctx, "F", "T", "", time.Hour)
	_, ok := c.Lookup(ctx, "F")
	assert.False(t, ok)
	assert.False(t, c.Enabled())

	stats := c.Stats(ctx)
	assert.False(t, stats.Enabled)
	assert.Equal(t, "disabled", stats.Backend)
	n, err := c.Clear(ctx, false)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, c.Close())
}

func TestClearExpiredOnly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	c := newCache(clock)

	c.Store(ctx, "short", "T", "", time.Minute)
	c.Store(ctx, "long", "T", "", 2*time.Hour)
	clock.Advance(time.Hour)

	n, err := c.Clear(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok := c.Lookup(ctx, "long")
	assert.True(t, ok)
}

type brokenBackend struct{}

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) Get(context.Context, string) (models.CacheEntry, bool, error) {
	return models.CacheEntry{}, false, errors.New("connection refused")
}
func (brokenBackend) Set(context.Context, models.CacheEntry) error {
	return errors.New("connection refused")
}
func (brokenBackend) Delete(context.Context, string) error { return nil }
func (brokenBackend) Len(context.Context) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenBackend) Clear(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenBackend) Close() error { return nil }

func TestBackendFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	c := cache.New(brokenBackend{})

	c.Store(ctx, "F", "T", "", time.Hour)
	_, ok := c.Lookup(ctx, "F")
	assert.False(t, ok)

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(3), stats.Errors)

	_, err := c.Clear(ctx, false)
	assert.Error(t, err)
}
