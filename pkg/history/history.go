// Package history keeps a searchable log of generations in SQLite with
// time-based retention.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/copydesk/pkg/models"
)

// Store writes and queries history entries.
type Store struct {
	db            *sql.DB
	retentionDays int
	now           func() time.Time
	logger        *zap.Logger
	done          chan struct{}
	wg            sync.WaitGroup
}

// New opens the history database and starts the hourly retention loop.
// A retentionDays <= 0 keeps entries forever.
func New(dbPath string, retentionDays int, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:            db,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "history")),
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.retentionLoop()

	return s, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			request_id   TEXT PRIMARY KEY,
			fingerprint  TEXT NOT NULL,
			kind         TEXT NOT NULL,
			product_name TEXT NOT NULL,
			model        TEXT NOT NULL,
			cached       INTEGER NOT NULL DEFAULT 0,
			image        INTEGER NOT NULL DEFAULT 0,
			tokens       INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL,
			error        TEXT,
			latency_ms   INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_model ON generations(model)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_fingerprint ON generations(fingerprint)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts an entry. A nil Store ignores the call.
func (s *Store) Record(ctx context.Context, e models.HistoryEntry) error {
	if s == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO generations
		(request_id, fingerprint, kind, product_name, model, cached, image,
		 tokens, status, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Fingerprint, e.Kind, e.ProductName, e.Model,
		e.Cached, e.Image, e.Tokens, e.Status, e.Error, e.LatencyMs,
		e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// Query returns entries matching opts, newest first.
func (s *Store) Query(ctx context.Context, opts models.HistoryQueryOpts) ([]models.HistoryEntry, error) {
	q := `SELECT request_id, fingerprint, kind, product_name, model, cached, image,
		tokens, status, error, latency_ms, created_at
		FROM generations WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.Fingerprint != "" {
		q += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC().UnixNano())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var (
			e       models.HistoryEntry
			errText sql.NullString
			created int64
		)
		if err := rows.Scan(
			&e.RequestID, &e.Fingerprint, &e.Kind, &e.ProductName, &e.Model,
			&e.Cached, &e.Image, &e.Tokens, &e.Status, &errText, &e.LatencyMs, &created,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Error = errText.String
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by model and UTC day.
func (s *Store) Stats(ctx context.Context) ([]models.HistoryStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, date(created_at / 1000000000, 'unixepoch') AS day,
			count(*), sum(cached), sum(tokens)
		 FROM generations GROUP BY model, day ORDER BY day DESC, model`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	var stats []models.HistoryStat
	for rows.Next() {
		var st models.HistoryStat
		var day sql.NullString
		if err := rows.Scan(&st.Model, &day, &st.Count, &st.Cached, &st.Tokens); err != nil {
			return nil, fmt.Errorf("scan history stat: %w", err)
		}
		st.Day = day.String
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the retention period.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM generations WHERE created_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Cleanup(context.Background())
			if err != nil {
				s.logger.Warn("history retention", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("history retention", zap.Int64("deleted", n))
			}
		}
	}
}
