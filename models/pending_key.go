package models

// PendingKey is a queued key-exchange initiation: the sender's public key
// waiting for the receiver to come online and complete the handshake.
// At most one exists per (sender, receiver) pair.
type PendingKey struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	PublicKey  []byte `json:"public_key"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// Backlog is everything addressed to one identity that its client has not
// acknowledged yet: undelivered messages oldest first, plus pending keys.
type Backlog struct {
	Messages    []Message    `json:"messages"`
	PendingKeys []PendingKey `json:"pending_keys"`
}
