package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "copydesk.db")
	return cfg
}

func TestOpenCacheBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		backend string
		want    string
	}{
		{config.BackendMemory, "memory"},
		{config.BackendSQLite, "sqlite"},
		{config.BackendRedis, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Cache.Enabled = true
			cfg.Cache.Backend = tt.backend
			cfg.Cache.Redis.Addr = mr.Addr()

			ctx := context.Background()
			c, err := openCache(ctx, cfg, zap.NewNop(), nil)
			require.NoError(t, err)
			defer c.Close()

			c.Store(ctx, "fp", "text", "", time.Minute)
			entry, ok := c.Lookup(ctx, "fp")
			require.True(t, ok)
			assert.Equal(t, "text", entry.Text)
			assert.Equal(t, tt.want, c.Stats(ctx).Backend)
		})
	}
}

func TestOpenCacheDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = false
	c, err := openCache(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.False(t, c.Enabled())
}

func TestOpenTrackerPersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quota.Persist = true
	cfg.Quota.UsageLimits = models.UsageLimits{MaxRequestsPerDay: 3}

	tr, store, err := openTracker(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	_, err = tr.CheckAndReserve(10, false)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	tr, store, err = openTracker(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, int64(1), tr.Snapshot().Counters.Requests)
	assert.Equal(t, int64(2), tr.Snapshot().Remaining.Requests)
}

func TestOpenTrackerBadWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quota.Window = "weekly"
	_, _, err := openTracker(cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "error"
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.history)
	assert.Same(t, a.tracker, a.svc.Tracker())
	assert.Same(t, a.cache, a.svc.Cache())
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.NoError(t, err)
	_, err = newLogger(config.LogConfig{Level: "info", Format: "console"})
	assert.NoError(t, err)
	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = newLogger(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestFormatResult(t *testing.T) {
	r := formatResult(models.GenerationResult{Text: "Hook: Hi.", Cached: true, Fingerprint: "abc", Model: "gpt-4o"}, true)
	assert.Contains(t, r, "(from cache)")
	assert.Contains(t, r, "Fingerprint: abc")

	r = formatResult(models.GenerationResult{Text: "Hook: Hi.", Fingerprint: "abc"}, false)
	assert.NotContains(t, r, "Hook: Hi.")
}

func TestWarmTokensStopsWithContext(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.tokens)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		a.warmTokens(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("warmTokens ignored a cancelled context")
	}
}
