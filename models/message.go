package models

const (
	// MessageTypeText is a plain text payload.
	MessageTypeText = "text"
	// MessageTypeImage is an image payload.
	MessageTypeImage = "image"
	// MessageTypeFile is a file payload.
	MessageTypeFile = "file"
)

// Message is an encrypted message as the relay stores and forwards it.
// Content is ciphertext end to end; the relay never sees plaintext.
type Message struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	ReceiverID  string `json:"receiver_id"`
	ChatID      string `json:"chat_id"`
	Ciphertext  string `json:"ciphertext"`
	IV          string `json:"iv"`
	MessageType string `json:"message_type"`
	CreatedAt   int64  `json:"created_at"`
	DeliveredAt *int64 `json:"delivered_at,omitempty"`
	IsDelivered bool   `json:"is_delivered"`
	ExpiresAt   int64  `json:"expires_at"`
}
