package client

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chatrelay/cache"
	"chatrelay/crypto"
	"chatrelay/models"
	"chatrelay/wire"
)

// SendMessage encrypts plaintext under the shared key for receiverID,
// publishes it, and caches the outgoing copy under the server-assigned ID.
// A missing shared key starts an exchange first.
func (c *Client) SendMessage(chatID, receiverID, plaintext, messageType string) (models.Message, error) {
	if chatID == "" || receiverID == "" {
		return models.Message{}, errors.New("client: chat and receiver are required")
	}

	if err := c.exchanger.EnsureKey(receiverID); err != nil {
		return models.Message{}, err
	}
	key, _, err := c.cache.SharedKey(receiverID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			// EnsureKey only started the exchange; the peer has not answered
			// yet, so there is no key to seal with.
			return models.Message{}, fmt.Errorf("no shared key with %q yet: %w", receiverID, ErrHandshakeFailed)
		}
		return models.Message{}, err
	}

	ciphertext, nonce, err := crypto.Encrypt(key, []byte(plaintext))
	if err != nil {
		return models.Message{}, fmt.Errorf("encrypt message for %q: %w", receiverID, err)
	}

	requestID := uuid.NewString()
	ack, err := c.SendWithAck(requestID, wire.MessagePublish{
		Type:        wire.TypeMessagePublish,
		RequestID:   requestID,
		ReceiverID:  receiverID,
		ChatID:      chatID,
		Ciphertext:  encodePayload(ciphertext),
		IV:          encodePayload(nonce),
		MessageType: messageType,
	})
	if err != nil {
		return models.Message{}, err
	}
	if ack.Status != wire.StatusReceived {
		return models.Message{}, fmt.Errorf("publish rejected (%s): %s", ack.Status, ack.Reason)
	}
	if ack.Message == nil {
		return models.Message{}, errors.New("client: publish ack missing stored message")
	}

	stored := *ack.Message
	if _, err := c.cache.SaveMessage(cache.Message{
		MessageID:   stored.MessageID,
		ChatID:      stored.ChatID,
		SenderID:    stored.SenderID,
		ReceiverID:  stored.ReceiverID,
		Body:        plaintext,
		MessageType: stored.MessageType,
		CreatedAt:   stored.CreatedAt,
		IsOutgoing:  true,
	}); err != nil {
		return stored, fmt.Errorf("cache outgoing message: %w", err)
	}

	return stored, nil
}

// ingest decrypts an inbound message where possible and stores it
// idempotently. A missing key or a failed decryption keeps the raw
// ciphertext as the visible content with the opaque flag set, preserving
// the nonce so a later key can retry. It reports whether the store inserted
// a new row.
func (c *Client) ingest(message models.Message) (bool, error) {
	body, opaque := c.decryptBody(message)

	inserted, err := c.cache.SaveMessage(cache.Message{
		MessageID:   message.MessageID,
		ChatID:      message.ChatID,
		SenderID:    message.SenderID,
		ReceiverID:  message.ReceiverID,
		Body:        body,
		IV:          message.IV,
		MessageType: message.MessageType,
		CreatedAt:   message.CreatedAt,
		IsOpaque:    opaque,
	})
	if err != nil {
		return false, err
	}

	if inserted && c.opts.OnMessage != nil {
		c.opts.OnMessage(cache.Message{
			MessageID:   message.MessageID,
			ChatID:      message.ChatID,
			SenderID:    message.SenderID,
			ReceiverID:  message.ReceiverID,
			Body:        body,
			IV:          message.IV,
			MessageType: message.MessageType,
			CreatedAt:   message.CreatedAt,
			IsOpaque:    opaque,
		})
	}
	return inserted, nil
}

func (c *Client) decryptBody(message models.Message) (string, bool) {
	key, _, err := c.cache.SharedKey(message.SenderID)
	if err != nil {
		return message.Ciphertext, true
	}

	ciphertext, err := decodePayload(message.Ciphertext)
	if err != nil {
		return message.Ciphertext, true
	}
	nonce, err := decodePayload(message.IV)
	if err != nil {
		return message.Ciphertext, true
	}

	plaintext, err := crypto.Decrypt(key, nonce, ciphertext)
	if err != nil {
		c.log.WithField("message_id", message.MessageID).Warn("message kept opaque: decryption failed")
		return message.Ciphertext, true
	}
	return string(plaintext), false
}

func encodePayload(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func decodePayload(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
