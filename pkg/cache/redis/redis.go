// Package redis is a cache backend shared across copydesk replicas. Entry
// lifetime is enforced with native key expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/copydesk/pkg/cache"
	"github.com/pario-ai/copydesk/pkg/models"
)

// Config locates the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Backend stores JSON-encoded entries under Prefix+fingerprint.
type Backend struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Backend{client: client, prefix: cfg.Prefix, now: time.Now}, nil
}

func (b *Backend) Name() string { return "redis" }

func (b *Backend) key(fingerprint string) string {
	return b.prefix + fingerprint
}

func (b *Backend) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	data, err := b.client.Get(ctx, b.key(fingerprint)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("%w: redis get: %v", cache.ErrUnavailable, err)
	}

	var e models.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt value is treated as absent and dropped.
		_ = b.client.Del(ctx, b.key(fingerprint)).Err()
		return models.CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (b *Backend) Set(ctx context.Context, e models.CacheEntry) error {
	ttl := e.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return b.Delete(ctx, e.Fingerprint)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := b.client.Set(ctx, b.key(e.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", cache.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, fingerprint string) error {
	if err := b.client.Del(ctx, b.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", cache.ErrUnavailable, err)
	}
	return nil
}

// Len counts keys under the prefix with SCAN.
func (b *Backend) Len(ctx context.Context) (int64, error) {
	var n int64
	err := b.scan(ctx, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Backend) Clear(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := b.scan(ctx, func(keys []string) error {
		victims := keys
		if !cutoff.IsZero() {
			victims = victims[:0:0]
			vals, err := b.client.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				var e models.CacheEntry
				if json.Unmarshal([]byte(s), &e) != nil || e.Expired(cutoff) {
					victims = append(victims, keys[i])
				}
			}
		}
		if len(victims) == 0 {
			return nil
		}
		n, err := b.client.Del(ctx, victims...).Result()
		removed += n
		return err
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (b *Backend) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("%w: redis scan: %v", cache.ErrUnavailable, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return fmt.Errorf("%w: redis: %v", cache.ErrUnavailable, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}
