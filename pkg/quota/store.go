package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/copydesk/pkg/models"
)

// SQLiteStore keeps one counter row per usage window.
type SQLiteStore struct {
	db *sql.DB
}

const createCountersTable = `
CREATE TABLE IF NOT EXISTS usage_counters (
	day TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	requests INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	images INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (window_start)
);
`

// NewSQLiteStore opens the counter store and runs auto-migration. The file
// may be shared with the cache and history stores.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	// Saves run under the tracker mutex; one connection keeps them from
	// queueing against each other inside the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createCountersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate quota db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Latest returns the most recent window's counters.
func (s *SQLiteStore) Latest(ctx context.Context) (models.UsageCounters, bool, error) {
	var (
		c     models.UsageCounters
		start int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT day, window_start, requests, tokens, images FROM usage_counters ORDER BY window_start DESC LIMIT 1`,
	).Scan(&c.Day, &start, &c.Requests, &c.Tokens, &c.Images)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageCounters{}, false, nil
	}
	if err != nil {
		return models.UsageCounters{}, false, fmt.Errorf("load counters: %w", err)
	}
	c.WindowStart = time.Unix(0, start)
	return c, true, nil
}

// Save upserts the counters for c's window.
func (s *SQLiteStore) Save(ctx context.Context, c models.UsageCounters) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (day, window_start, requests, tokens, images, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(window_start) DO UPDATE SET
			requests = excluded.requests,
			tokens = excluded.tokens,
			images = excluded.images,
			updated_at = excluded.updated_at`,
		c.Day, c.WindowStart.UnixNano(), c.Requests, c.Tokens, c.Images, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}

// History returns up to limit past windows, newest first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]models.UsageCounters, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, window_start, requests, tokens, images FROM usage_counters ORDER BY window_start DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	var out []models.UsageCounters
	for rows.Next() {
		var (
			c     models.UsageCounters
			start int64
		)
		if err := rows.Scan(&c.Day, &start, &c.Requests, &c.Tokens, &c.Images); err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		c.WindowStart = time.Unix(0, start)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
