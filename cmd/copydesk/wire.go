package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/cache"
	"github.com/pario-ai/copydesk/pkg/cache/memory"
	"github.com/pario-ai/copydesk/pkg/cache/redis"
	"github.com/pario-ai/copydesk/pkg/cache/sqlite"
	"github.com/pario-ai/copydesk/pkg/config"
	"github.com/pario-ai/copydesk/pkg/generate"
	"github.com/pario-ai/copydesk/pkg/history"
	"github.com/pario-ai/copydesk/pkg/metrics"
	"github.com/pario-ai/copydesk/pkg/quota"
	"github.com/pario-ai/copydesk/pkg/tokens"
)

// app holds every long-lived component built from one config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	cache   *cache.Cache
	tracker *quota.Tracker
	store   *quota.SQLiteStore
	history *history.Store
	tokens  *tokens.Estimator
	svc     *generate.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New("copydesk"),
		tokens:  tokens.NewEstimator(logger),
	}

	if a.cache, err = openCache(ctx, cfg, logger, a.metrics); err != nil {
		a.Close()
		return nil, err
	}
	if a.tracker, a.store, err = openTracker(cfg, logger, a.metrics); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.History.Enabled {
		if a.history, err = history.New(cfg.DBPath, cfg.History.RetentionDays, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
	}

	opts := []generate.Option{
		generate.WithCache(a.cache),
		generate.WithTracker(a.tracker),
		generate.WithMetrics(a.metrics),
		generate.WithLogger(logger),
		generate.WithEstimator(a.tokens),
	}
	if a.history != nil {
		opts = append(opts, generate.WithHistory(a.history))
	}
	a.svc = generate.New(cfg, opts...)
	return a, nil
}

// warmTokens loads the text model's encoding so the first request does not
// pay for the BPE download. Counting falls back to the heuristic meanwhile.
func (a *app) warmTokens(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := a.tokens.Preload(ctx, a.cfg.Generation.TextModel); err != nil {
		a.logger.Warn("token encoding preload", zap.Error(err))
	}
}

// Close releases stores and flushes the logger.
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("close cache", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	_ = a.logger.Sync()
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Collector) (*cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return cache.Disabled(), nil
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case config.BackendSQLite:
		b, err := sqlite.New(cfg.DBPath, cfg.Cache.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
		backend = b
	case config.BackendRedis:
		r := cfg.Cache.Redis
		b, err := redis.New(ctx, redis.Config{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		backend = b
	default:
		backend = memory.New(cfg.Cache.MaxEntries)
	}

	return cache.New(backend,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
	), nil
}

func openTracker(cfg *config.Config, logger *zap.Logger, m *metrics.Collector) (*quota.Tracker, *quota.SQLiteStore, error) {
	window, err := quota.ParseWindow(cfg.Quota.Window)
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	opts := []quota.Option{
		quota.WithWindow(window),
		quota.WithLocation(loc),
		quota.WithEnforcement(cfg.Quota.Enabled),
		quota.WithLogger(logger),
		quota.WithMetrics(m),
	}

	var store *quota.SQLiteStore
	if cfg.Quota.Persist {
		store, err = quota.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("init usage store: %w", err)
		}
		opts = append(opts, quota.WithStore(store))
	}
	return quota.New(cfg.Quota.UsageLimits, opts...), store, nil
}

func nopLogger() *zap.Logger { return zap.NewNop() }
