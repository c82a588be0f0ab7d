package mailbox

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"chatrelay/models"
)

// SavePendingKey queues a public key for offline delivery to its receiver.
//
// At most one key exists per (sender, receiver) pair. Resubmitting identical
// bytes is a duplicate no-op; submitting different bytes is a conflicting
// concurrent handshake and is rejected; the queued key stays authoritative.
// Keys are compared by exact byte equality.
func (s *Store) SavePendingKey(key models.PendingKey) (KeyOutcome, error) {
	if key.SenderID == "" {
		return "", errors.New("sender_id is required")
	}
	if key.ReceiverID == "" {
		return "", errors.New("receiver_id is required")
	}
	if len(key.PublicKey) == 0 {
		return "", errors.New("public_key is required")
	}
	if key.CreatedAt == 0 {
		key.CreatedAt = nowUnixMilli()
	}
	key.ExpiresAt = key.CreatedAt + PendingKeyTTL.Milliseconds()

	var existing []byte
	err := s.db.QueryRow(
		`SELECT public_key FROM pending_keys WHERE sender_id = ? AND receiver_id = ?`,
		key.SenderID,
		key.ReceiverID,
	).Scan(&existing)
	switch {
	case err == nil:
		if bytes.Equal(existing, key.PublicKey) {
			return KeyDuplicate, nil
		}
		return KeyConflict, nil
	case errors.Is(err, sql.ErrNoRows):
		// No queued key yet; fall through to insert.
	default:
		return "", fmt.Errorf("check pending key for %q->%q: %w", key.SenderID, key.ReceiverID, err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO pending_keys (sender_id, receiver_id, public_key, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.SenderID,
		key.ReceiverID,
		key.PublicKey,
		key.CreatedAt,
		key.ExpiresAt,
	); err != nil {
		return "", fmt.Errorf("save pending key for %q->%q: %w", key.SenderID, key.ReceiverID, err)
	}

	return KeyStored, nil
}

// GetPendingKey fetches the queued key for one (sender, receiver) pair.
func (s *Store) GetPendingKey(senderID, receiverID string) (models.PendingKey, error) {
	var key models.PendingKey
	err := s.db.QueryRow(
		`SELECT sender_id, receiver_id, public_key, created_at, expires_at
		FROM pending_keys
		WHERE sender_id = ? AND receiver_id = ?`,
		senderID,
		receiverID,
	).Scan(&key.SenderID, &key.ReceiverID, &key.PublicKey, &key.CreatedAt, &key.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PendingKey{}, ErrNotFound
		}
		return models.PendingKey{}, fmt.Errorf("get pending key for %q->%q: %w", senderID, receiverID, err)
	}
	return key, nil
}

// DeletePendingKey removes the queued key for one (sender, receiver) pair.
func (s *Store) DeletePendingKey(senderID, receiverID string) error {
	if _, err := s.db.Exec(
		`DELETE FROM pending_keys WHERE sender_id = ? AND receiver_id = ?`,
		senderID,
		receiverID,
	); err != nil {
		return fmt.Errorf("delete pending key for %q->%q: %w", senderID, receiverID, err)
	}
	return nil
}
