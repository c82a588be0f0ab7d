package mailbox

import (
	"errors"
	"fmt"
)

// AddChatMember records that member belongs to chat. Membership CRUD proper
// lives outside the relay; this table only backs the membership checks the
// delivery layer performs at its boundary.
func (s *Store) AddChatMember(chatID, memberID string) error {
	if chatID == "" {
		return errors.New("chat_id is required")
	}
	if memberID == "" {
		return errors.New("member_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO chat_members (chat_id, member_id, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id, member_id) DO NOTHING`,
		chatID,
		memberID,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add chat member %q to %q: %w", memberID, chatID, err)
	}

	return nil
}

// IsMember reports whether identity belongs to chat.
func (s *Store) IsMember(identity, chatID string) (bool, error) {
	if identity == "" || chatID == "" {
		return false, errors.New("identity and chat_id are required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = ? AND member_id = ?)`,
		chatID,
		identity,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check membership of %q in %q: %w", identity, chatID, err)
	}

	return exists == 1, nil
}

// ChatMembers returns every member of a chat.
func (s *Store) ChatMembers(chatID string) ([]string, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}

	rows, err := s.db.Query(
		`SELECT member_id FROM chat_members WHERE chat_id = ? ORDER BY member_id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members of chat %q: %w", chatID, err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		members = append(members, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat members: %w", err)
	}

	return members, nil
}
