package mailbox

import (
	"database/sql"
	"errors"
	"fmt"

	"chatrelay/models"
)

// EnqueueMessage persists a message undelivered with the long retention.
// Missing timestamps are filled in; the caller assigns the message ID.
func (s *Store) EnqueueMessage(message models.Message) (models.Message, error) {
	if message.MessageID == "" {
		return models.Message{}, errors.New("message_id is required")
	}
	if message.SenderID == "" {
		return models.Message{}, errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return models.Message{}, errors.New("receiver_id is required")
	}
	if message.ChatID == "" {
		return models.Message{}, errors.New("chat_id is required")
	}
	if message.Ciphertext == "" {
		return models.Message{}, errors.New("ciphertext is required")
	}
	if message.MessageType == "" {
		message.MessageType = models.MessageTypeText
	}
	if err := validateMessageType(message.MessageType); err != nil {
		return models.Message{}, err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnixMilli()
	}

	message.IsDelivered = false
	message.DeliveredAt = nil
	message.ExpiresAt = message.CreatedAt + UndeliveredTTL.Milliseconds()

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			sender_id,
			receiver_id,
			chat_id,
			ciphertext,
			iv,
			message_type,
			created_at,
			delivered_at,
			is_delivered,
			expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?)`,
		message.MessageID,
		message.SenderID,
		message.ReceiverID,
		message.ChatID,
		message.Ciphertext,
		message.IV,
		message.MessageType,
		message.CreatedAt,
		message.ExpiresAt,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("enqueue message %q: %w", message.MessageID, err)
	}

	return message, nil
}

// MarkDelivered transitions a message from undelivered to delivered and
// shortens its retention to ttl. The update is conditional on the current
// state and on the receiver matching, so it is idempotent and safe against
// a concurrent transition: only the first caller mutates the row.
//
// It returns true when this call performed the transition.
func (s *Store) MarkDelivered(messageID, receiverID string, deliveredAt int64, ttl int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if receiverID == "" {
		return false, errors.New("receiver_id is required")
	}
	if deliveredAt == 0 {
		deliveredAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET is_delivered = 1, delivered_at = ?, expires_at = ?
		WHERE message_id = ? AND receiver_id = ? AND is_delivered = 0`,
		deliveredAt,
		deliveredAt+ttl,
		messageID,
		receiverID,
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for mark delivered %q: %w", messageID, err)
	}

	return rowsAffected > 0, nil
}

// DisposeDelivered shortens retention of an already-delivered message after
// the receiver's explicit receipt. Used when the live-push ack already
// performed the delivery transition.
func (s *Store) DisposeDelivered(messageID, receiverID string, now int64) error {
	if now == 0 {
		now = nowUnixMilli()
	}
	_, err := s.db.Exec(
		`UPDATE messages
		SET expires_at = ?
		WHERE message_id = ? AND receiver_id = ? AND is_delivered = 1`,
		now+DisposedTTL.Milliseconds(),
		messageID,
		receiverID,
	)
	if err != nil {
		return fmt.Errorf("dispose delivered message %q: %w", messageID, err)
	}
	return nil
}

// GetMessage fetches one message by ID.
func (s *Store) GetMessage(messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id, sender_id, receiver_id, chat_id, ciphertext, iv,
			message_type, created_at, delivered_at, is_delivered, expires_at
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// PullBacklog returns everything addressed to identity that its client has
// not acknowledged: undelivered messages oldest first plus all queued
// pending keys. As a side effect, in one transaction, returned messages are
// marked delivered with the short retention and returned keys are deleted.
// A pending key is single-use, since the client derives its shared key on
// receipt.
func (s *Store) PullBacklog(identity string) (models.Backlog, error) {
	if identity == "" {
		return models.Backlog{}, errors.New("identity is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.Backlog{}, fmt.Errorf("begin backlog transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(
		`SELECT
			message_id, sender_id, receiver_id, chat_id, ciphertext, iv,
			message_type, created_at, delivered_at, is_delivered, expires_at
		FROM messages
		WHERE receiver_id = ? AND is_delivered = 0
		ORDER BY created_at ASC`,
		identity,
	)
	if err != nil {
		return models.Backlog{}, fmt.Errorf("query backlog messages: %w", err)
	}

	backlog := models.Backlog{
		Messages:    make([]models.Message, 0),
		PendingKeys: make([]models.PendingKey, 0),
	}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return models.Backlog{}, fmt.Errorf("scan backlog message: %w", err)
		}
		backlog.Messages = append(backlog.Messages, message)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return models.Backlog{}, fmt.Errorf("iterate backlog messages: %w", err)
	}
	rows.Close()

	now := nowUnixMilli()
	if len(backlog.Messages) > 0 {
		if _, err := tx.Exec(
			`UPDATE messages
			SET is_delivered = 1, delivered_at = ?, expires_at = ?
			WHERE receiver_id = ? AND is_delivered = 0`,
			now,
			now+DeliveredTTL.Milliseconds(),
			identity,
		); err != nil {
			return models.Backlog{}, fmt.Errorf("mark backlog delivered: %w", err)
		}
	}

	keyRows, err := tx.Query(
		`SELECT sender_id, receiver_id, public_key, created_at, expires_at
		FROM pending_keys
		WHERE receiver_id = ?
		ORDER BY created_at ASC`,
		identity,
	)
	if err != nil {
		return models.Backlog{}, fmt.Errorf("query backlog pending keys: %w", err)
	}
	for keyRows.Next() {
		var key models.PendingKey
		if err := keyRows.Scan(&key.SenderID, &key.ReceiverID, &key.PublicKey, &key.CreatedAt, &key.ExpiresAt); err != nil {
			keyRows.Close()
			return models.Backlog{}, fmt.Errorf("scan backlog pending key: %w", err)
		}
		backlog.PendingKeys = append(backlog.PendingKeys, key)
	}
	if err := keyRows.Err(); err != nil {
		keyRows.Close()
		return models.Backlog{}, fmt.Errorf("iterate backlog pending keys: %w", err)
	}
	keyRows.Close()

	if len(backlog.PendingKeys) > 0 {
		if _, err := tx.Exec(`DELETE FROM pending_keys WHERE receiver_id = ?`, identity); err != nil {
			return models.Backlog{}, fmt.Errorf("consume backlog pending keys: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Backlog{}, fmt.Errorf("commit backlog transaction: %w", err)
	}

	return backlog, nil
}

func scanMessage(row interface{ Scan(...any) error }) (models.Message, error) {
	var (
		message     models.Message
		deliveredAt sql.NullInt64
		isDelivered int
	)

	if err := row.Scan(
		&message.MessageID,
		&message.SenderID,
		&message.ReceiverID,
		&message.ChatID,
		&message.Ciphertext,
		&message.IV,
		&message.MessageType,
		&message.CreatedAt,
		&deliveredAt,
		&isDelivered,
		&message.ExpiresAt,
	); err != nil {
		return models.Message{}, err
	}

	message.DeliveredAt = int64Ptr(deliveredAt)
	message.IsDelivered = isDelivered == 1

	return message, nil
}
