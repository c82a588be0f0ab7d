// Package mailbox is the relay's durable store for undelivered and
// recently-delivered messages and for queued key-exchange publics. Records
// carry explicit expiry timestamps and are purged by a background prune
// loop; delivery-state transitions are guarded by conditional updates so
// concurrent live-push and backlog-pull cannot double-transition a message.
package mailbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the relay data dir.
	DefaultDBFileName = "mailbox.db"
	// DefaultPruneInterval controls how often expired records are purged.
	DefaultPruneInterval = time.Minute

	// UndeliveredTTL bounds how long a message waits for an absent receiver.
	UndeliveredTTL = 15 * 24 * time.Hour
	// DeliveredTTL is the retention after delivery, pending an explicit receipt.
	DeliveredTTL = 24 * time.Hour
	// DisposedTTL is the retention after the receiver confirmed durable
	// storage with a receipt.
	DisposedTTL = 30 * time.Second
	// PendingKeyTTL bounds how long a queued public key waits for its peer.
	PendingKeyTTL = 15 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id   TEXT PRIMARY KEY,
  sender_id    TEXT NOT NULL,
  receiver_id  TEXT NOT NULL,
  chat_id      TEXT NOT NULL,
  ciphertext   TEXT NOT NULL,
  iv           TEXT NOT NULL DEFAULT '',
  message_type TEXT CHECK(message_type IN ('text','image','file')) DEFAULT 'text',
  created_at   INTEGER NOT NULL,
  delivered_at INTEGER,
  is_delivered INTEGER NOT NULL DEFAULT 0,
  expires_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_receiver_undelivered
ON messages (receiver_id, is_delivered, created_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_expires_at
ON messages (expires_at);
`,
	`
CREATE TABLE IF NOT EXISTS pending_keys (
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  public_key  BLOB NOT NULL,
  created_at  INTEGER NOT NULL,
  expires_at  INTEGER NOT NULL,
  PRIMARY KEY (sender_id, receiver_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_pending_keys_receiver
ON pending_keys (receiver_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_pending_keys_expires_at
ON pending_keys (expires_at);
`,
	`
CREATE TABLE IF NOT EXISTS chat_members (
  chat_id   TEXT NOT NULL,
  member_id TEXT NOT NULL,
  added_at  INTEGER NOT NULL,
  PRIMARY KEY (chat_id, member_id)
);
`,
}

// Store is a thin wrapper around the relay's SQLite database.
type Store struct {
	db *sql.DB

	log           *logrus.Logger
	pruneInterval time.Duration
	pruneStop     chan struct{}
	pruneWG       sync.WaitGroup
	closeOnce     sync.Once
}

// Open opens (or creates) mailbox.db under the given data directory and
// runs migrations.
func Open(dataDir string, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create mailbox directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName), log)
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:            db,
		log:           log,
		pruneInterval: DefaultPruneInterval,
		pruneStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startPruneLoop()

	return store, nil
}

// Close stops the prune loop and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.pruneStop)
		s.pruneWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// DeleteExpired purges messages and pending keys whose expiry has passed.
func (s *Store) DeleteExpired(now int64) (int64, error) {
	var total int64

	res, err := s.db.Exec(`DELETE FROM messages WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM pending_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return total, fmt.Errorf("delete expired pending keys: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
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

func (s *Store) startPruneLoop() {
	if s.pruneInterval <= 0 {
		return
	}

	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				pruned, err := s.DeleteExpired(nowUnixMilli())
				if err != nil {
					s.log.WithError(err).Warn("mailbox prune failed")
					continue
				}
				if pruned > 0 {
					s.log.WithField("records", pruned).Debug("pruned expired mailbox records")
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}
