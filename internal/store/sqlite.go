package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SohamPatel46/performance/internal/cache/keys"
	"github.com/SohamPatel46/performance/internal/core/observability"
	"github.com/SohamPatel46/performance/internal/urlmetric"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS url_metrics (
	slug       TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS url_metrics_updated_at ON url_metrics(updated_at);
`

type sqliteConfig struct {
	busyTimeout int
	synchronous string
	retention   time.Duration
	now         func() time.Time
}

type SQLiteOption func(*sqliteConfig)

// WithSQLiteRetention hides rows not updated within d. Zero keeps rows forever.
func WithSQLiteRetention(d time.Duration) SQLiteOption {
	return func(c *sqliteConfig) { c.retention = d }
}

func WithBusyTimeout(ms int) SQLiteOption {
	return func(c *sqliteConfig) { c.busyTimeout = ms }
}

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(c *sqliteConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// SQLiteStore keeps one row per URL holding its metrics as a JSON array.
type SQLiteStore struct {
	db  *sql.DB
	cfg sqliteConfig
}

// OpenSQLite opens (creating when needed) the database at path. ":memory:" opens a
// private in-memory database.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	cfg := sqliteConfig{busyTimeout: 10_000, synchronous: "NORMAL", now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &SQLiteStore{db: db, cfg: cfg}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, url string) ([]urlmetric.URLMetric, error) {
	start := time.Now()
	metrics, err := s.load(ctx, url)
	observability.ObserveStoreOp("load", err, time.Since(start).Seconds())
	return metrics, err
}

func (s *SQLiteStore) load(ctx context.Context, url string) ([]urlmetric.URLMetric, error) {
	var (
		data      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM url_metrics WHERE slug = ?`, keys.Slug(url),
	).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return []urlmetric.URLMetric{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load %q: %w", url, err)
	}
	if s.cfg.retention > 0 && s.cfg.now().Sub(time.Unix(0, updatedAt)) > s.cfg.retention {
		return []urlmetric.URLMetric{}, nil
	}
	return decode([]byte(data))
}

func (s *SQLiteStore) Save(ctx context.Context, url string, metrics []urlmetric.URLMetric) error {
	start := time.Now()
	b, err := encode(metrics)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO url_metrics (slug, url, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				url = excluded.url,
				data = excluded.data,
				updated_at = excluded.updated_at`,
			keys.Slug(url), keys.NormalizeURL(url), string(b), s.cfg.now().UnixNano(),
		)
		if err != nil {
			err = fmt.Errorf("sqlite: save %q: %w", url, err)
		}
	}
	observability.ObserveStoreOp("save", err, time.Since(start).Seconds())
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, url string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM url_metrics WHERE slug = ?`, keys.Slug(url))
	if err != nil {
		err = fmt.Errorf("sqlite: delete %q: %w", url, err)
	}
	observability.ObserveStoreOp("delete", err, time.Since(start).Seconds())
	return err
}

// Prune removes rows older than the retention window and returns how many went.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	if s.cfg.retention <= 0 {
		return 0, nil
	}
	cutoff := s.cfg.now().Add(-s.cfg.retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM url_metrics WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
