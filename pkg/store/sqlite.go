package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/cache"
)

const backendSQLite = "sqlite"

// SQLiteStore keeps one row per key in a local SQLite database.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
	clock      cache.Clock
	logger     zerolog.Logger
}

// NewSQLiteStore opens (and creates) the database at filename. An empty
// filename opens a shared in-memory database.
func NewSQLiteStore(filename string, logger zerolog.Logger) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pages (
			key TEXT PRIMARY KEY,
			expires INTEGER NOT NULL,
			stored_at INTEGER NOT NULL,
			record BLOB NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS pages_expires_idx ON pages (expires)",
		`CREATE TABLE IF NOT EXISTS page_tags (
			tag TEXT NOT NULL,
			key TEXT NOT NULL,
			PRIMARY KEY (tag, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	return &SQLiteStore{db: db, clock: time.Now, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*cache.Content, error) {
	var expires int64
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT expires, record FROM pages WHERE key = ?", key).Scan(&expires, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			StoreMisses.WithLabelValues(backendSQLite).Inc()
			return nil, ErrStoreMiss
		}
		StoreErrors.WithLabelValues(backendSQLite, "get").Inc()
		return nil, fmt.Errorf("sqlite get: %w", err)
	}

	c, err := decode(data)
	if err != nil {
		StoreErrors.WithLabelValues(backendSQLite, "get").Inc()
		return nil, err
	}
	if c.IsExpired(s.clock()) {
		StoreMisses.WithLabelValues(backendSQLite).Inc()
		return nil, ErrStoreMiss
	}

	StoreHits.WithLabelValues(backendSQLite).Inc()
	return c, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, c *cache.Content) error {
	if c == nil {
		return fmt.Errorf("content cannot be nil")
	}
	now := s.clock()
	if c.TTL(now) == 0 {
		return nil
	}
	data, err := encode(c, now)
	if err != nil {
		StoreErrors.WithLabelValues(backendSQLite, "set").Inc()
		return err
	}

	var expires int64
	if !c.Expires.IsZero() {
		expires = c.Expires.Unix()
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	err = s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO pages (key, expires, stored_at, record) VALUES (?, ?, ?, ?)",
			key, expires, now.Unix(), data); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM page_tags WHERE key = ?", key); err != nil {
			return err
		}
		for _, tag := range c.Tags {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO page_tags (tag, key) VALUES (?, ?)", tag, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendSQLite, "set").Inc()
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pages WHERE key = ?", key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM page_tags WHERE key = ?", key)
		return err
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendSQLite, "delete").Inc()
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	total := 0
	err := s.tx(ctx, func(tx *sql.Tx) error {
		for _, tag := range tags {
			res, err := tx.ExecContext(ctx,
				"DELETE FROM pages WHERE key IN (SELECT key FROM page_tags WHERE tag = ?)", tag)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM page_tags WHERE key NOT IN (SELECT key FROM pages)"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendSQLite, "invalidate").Inc()
		return 0, fmt.Errorf("sqlite invalidate: %w", err)
	}
	return total, nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Sweep() int {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	res, err := s.db.Exec("DELETE FROM pages WHERE expires > 0 AND expires < ?", s.clock().Unix())
	if err != nil {
		StoreErrors.WithLabelValues(backendSQLite, "sweep").Inc()
		s.logger.Warn().Err(err).Msg("SQLite sweep failed")
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.Exec("DELETE FROM page_tags WHERE key NOT IN (SELECT key FROM pages)"); err != nil {
			s.logger.Warn().Err(err).Msg("SQLite tag cleanup failed")
		}
	}
	return int(n)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
