// Package cache is the client's local store: plaintext chat history once a
// shared key could decrypt it, derived shared keys, and the private halves
// of key exchanges still waiting on the peer. Nothing in here is cleared on
// channel loss; the cache is what makes reconnects and re-deliveries cheap.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the client data dir.
const DefaultDBFileName = "cache.db"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("cache: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id   TEXT PRIMARY KEY,
  chat_id      TEXT NOT NULL,
  sender_id    TEXT NOT NULL,
  receiver_id  TEXT NOT NULL,
  body         TEXT NOT NULL,
  iv           TEXT NOT NULL DEFAULT '',
  message_type TEXT NOT NULL DEFAULT 'text',
  created_at   INTEGER NOT NULL,
  is_outgoing  INTEGER NOT NULL DEFAULT 0,
  is_opaque    INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_chat_created
ON messages (chat_id, created_at);
`,
	`
CREATE TABLE IF NOT EXISTS shared_keys (
  peer_id    TEXT PRIMARY KEY,
  key        BLOB NOT NULL,
  version    INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS pending_private_keys (
  peer_id     TEXT PRIMARY KEY,
  private_key BLOB NOT NULL,
  created_at  INTEGER NOT NULL
);
`,
}

// Store is a thin wrapper around the client's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) cache.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}
