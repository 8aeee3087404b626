package anoncache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore is a persistent single-node Store. It survives process
// restarts, which keeps the hit rate up across rolling restarts of a
// single-instance deployment.
type SQLiteStore struct {
	db *sql.DB

	// sqlite allows one writer at a time; serialize writes here rather
	// than relying on driver-level busy retries.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the cache database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS anon_cache (key TEXT PRIMARY KEY, expires INTEGER, entry BLOB)",
		"CREATE INDEX IF NOT EXISTS anon_cache_expires_idx ON anon_cache (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var expires int64
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT expires, entry FROM anon_cache WHERE key = ?", key).Scan(&expires, &data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	if time.Now().Unix() >= expires {
		return nil, ErrCacheMiss
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO anon_cache (key, expires, entry) VALUES (?, ?, ?)",
		key, time.Now().Add(ttl).Unix(), data)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM anon_cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// ClearAll implements Store.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM anon_cache"); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
