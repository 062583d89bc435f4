// Package sqlite is a cache backend persisted in a SQLite database, so
// generated copy survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/copydesk/pkg/cache"
	"github.com/pario-ai/copydesk/pkg/models"
)

// Backend stores cache entries in the cache_entries table.
type Backend struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	text TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens (or creates) the cache database at dbPath. When maxEntries is
// positive, the least recently accessed rows are evicted past that size.
func New(dbPath string, maxEntries int) (*Backend, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Backend{db: db, maxEntries: maxEntries, now: time.Now}, nil
}

func (b *Backend) Name() string { return "sqlite" }

// Get returns the stored entry and bumps its access time.
func (b *Backend) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	var (
		e                  models.CacheEntry
		created, expiresAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT fingerprint, text, image_url, created_at, expires_at FROM cache_entries WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Fingerprint, &e.Text, &e.ImageURL, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("%w: sqlite get: %v", cache.ErrUnavailable, err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.ExpiresAt = time.Unix(0, expiresAt).UTC()

	if _, err := b.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ? WHERE fingerprint = ?`,
		b.now().UnixNano(), fingerprint,
	); err != nil {
		return e, true, fmt.Errorf("%w: sqlite touch: %v", cache.ErrUnavailable, err)
	}
	return e, true, nil
}

// Set inserts or replaces the entry, then trims the table to maxEntries.
func (b *Backend) Set(ctx context.Context, e models.CacheEntry) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, text, image_url, created_at, expires_at, last_access)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Fingerprint, e.Text, e.ImageURL, e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(), b.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: sqlite set: %v", cache.ErrUnavailable, err)
	}
	if b.maxEntries <= 0 {
		return nil
	}
	_, err = b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint IN (
			SELECT fingerprint FROM cache_entries ORDER BY last_access DESC LIMIT -1 OFFSET ?
		)`, b.maxEntries)
	if err != nil {
		return fmt.Errorf("%w: sqlite evict: %v", cache.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, fingerprint string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("%w: sqlite delete: %v", cache.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: sqlite count: %v", cache.ErrUnavailable, err)
	}
	return count, nil
}

func (b *Backend) Clear(ctx context.Context, cutoff time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if cutoff.IsZero() {
		res, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, cutoff.UnixNano())
	}
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite clear: %v", cache.ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}
