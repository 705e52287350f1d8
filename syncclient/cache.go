package syncclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists the last good snapshot per session username so a cold start
// without connectivity still has data.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (and creates) the sqlite cache file at path. ":memory:" works for tests.
func OpenCache(path string) (*Cache, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// One connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		username TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		saved_at DATETIME NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Cache) Save(ctx context.Context, username string, state State, at time.Time) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO snapshots (username, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		username, payload, at.UTC())
	return err
}

// Load returns the cached state for username. ok is false when nothing was saved.
func (c *Cache) Load(ctx context.Context, username string) (state State, savedAt time.Time, ok bool, err error) {
	var payload []byte
	err = c.db.QueryRowContext(ctx,
		`SELECT payload, saved_at FROM snapshots WHERE username = ?`, username).
		Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, time.Time{}, false, nil
	}
	if err != nil {
		return State{}, time.Time{}, false, err
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, time.Time{}, false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return state, savedAt, true, nil
}
