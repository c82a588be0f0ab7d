package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is one cached chat message. Body holds the plaintext when the
// local shared key could decrypt it; when it could not, Body holds the raw
// ciphertext with IsOpaque set and IV preserved so a later key can retry.
type Message struct {
	MessageID   string
	ChatID      string
	SenderID    string
	ReceiverID  string
	Body        string
	IV          string
	MessageType string
	CreatedAt   int64
	IsOutgoing  bool
	IsOpaque    bool
}

// SaveMessage inserts a message, ignoring an existing record with the same
// ID. Re-deliveries after a lost ack land here, so the insert must be
// idempotent. It reports whether this call inserted the row.
func (s *Store) SaveMessage(message Message) (bool, error) {
	if message.MessageID == "" {
		return false, errors.New("message_id is required")
	}
	if message.ChatID == "" {
		return false, errors.New("chat_id is required")
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = time.Now().UnixMilli()
	}
	if message.MessageType == "" {
		message.MessageType = "text"
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (
			message_id, chat_id, sender_id, receiver_id, body, iv,
			message_type, created_at, is_outgoing, is_opaque
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.ChatID,
		message.SenderID,
		message.ReceiverID,
		message.Body,
		message.IV,
		message.MessageType,
		message.CreatedAt,
		boolToInt(message.IsOutgoing),
		boolToInt(message.IsOpaque),
	)
	if err != nil {
		return false, fmt.Errorf("save message %q: %w", message.MessageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for message %q: %w", message.MessageID, err)
	}
	return rowsAffected > 0, nil
}

// GetMessage fetches one cached message by ID.
func (s *Store) GetMessage(messageID string) (Message, error) {
	row := s.db.QueryRow(
		`SELECT message_id, chat_id, sender_id, receiver_id, body, iv,
			message_type, created_at, is_outgoing, is_opaque
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// ChatMessages returns the messages of one chat ordered oldest first. A
// non-positive limit returns everything.
func (s *Store) ChatMessages(chatID string, limit int) ([]Message, error) {
	query := `SELECT message_id, chat_id, sender_id, receiver_id, body, iv,
			message_type, created_at, is_outgoing, is_opaque
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat %q messages: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat %q message: %w", chatID, err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat %q messages: %w", chatID, err)
	}

	return messages, nil
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		message    Message
		isOutgoing int
		isOpaque   int
	)
	if err := row.Scan(
		&message.MessageID,
		&message.ChatID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Body,
		&message.IV,
		&message.MessageType,
		&message.CreatedAt,
		&isOutgoing,
		&isOpaque,
	); err != nil {
		return Message{}, err
	}
	message.IsOutgoing = isOutgoing == 1
	message.IsOpaque = isOpaque == 1
	return message, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
