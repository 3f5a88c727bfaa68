package statecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteKV is a hostapi.KVStore backed by a single-table sqlite database,
// the default "local" persistent store for the standalone binary.
type SQLiteKV struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLiteKV opens (creating if necessary) a sqlite-backed key-value store
// at path. Pass ":memory:" for an ephemeral store.
func OpenSQLiteKV(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statecache: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer connection avoids SQLITE_BUSY
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statecache: create kv table: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLiteKV) Get(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, k).Scan(&raw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("statecache: get %q: %w", k, err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("statecache: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (s *SQLiteKV) GetAll(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("statecache: get all: %w", err)
	}
	defer rows.Close()
	out := make(map[string]any)
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, fmt.Errorf("statecache: scan row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("statecache: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteKV) Set(ctx context.Context, items map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statecache: begin tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("statecache: prepare upsert: %w", err)
	}
	defer stmt.Close()
	for k, v := range items {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("statecache: encode %q: %w", k, err)
		}
		if _, err := stmt.ExecContext(ctx, k, string(raw)); err != nil {
			return fmt.Errorf("statecache: upsert %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteKV) Remove(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statecache: begin tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM kv WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("statecache: prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("statecache: delete %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteKV) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv`)
	if err != nil {
		return fmt.Errorf("statecache: clear: %w", err)
	}
	return nil
}
