package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"chatrelay/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 * 1024 * 1024
)

// Frame types. Every request carries a correlation ID that its ack echoes.
const (
	TypeAuth             = "auth"
	TypeAuthOK           = "auth_ok"
	TypeHandshakePublish = "handshake_publish"
	TypeHandshakeDeliver = "handshake_deliver"
	TypeMessagePublish   = "message_publish"
	TypeMessageDeliver   = "message_deliver"
	TypeReceipt          = "receipt"
	TypeBacklogPull      = "backlog_pull"
	TypeBacklog          = "backlog"
	TypeAck              = "ack"
	TypeError            = "error"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Ack statuses.
const (
	StatusReceived  = "received"
	StatusDuplicate = "duplicate"
	StatusConflict  = "conflict"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Error codes carried by TypeError frames.
const (
	CodeAuthRequired       = "auth_required"
	CodeAuthFailed         = "auth_failed"
	CodeNotMember          = "not_member"
	CodeBadRequest         = "bad_request"
	CodeStoreFailure       = "store_failure"
	CodeUnknownType        = "unknown_type"
	CodeVersionUnsupported = "version_unsupported"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	// ErrInvalidFrameType indicates the frame type is missing or unknown.
	ErrInvalidFrameType = errors.New("wire: invalid frame type")
)

// Envelope identifies a frame's type and correlation ID.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Auth is the first frame of every connection, carrying the opaque token
// the server resolves to a stable identity.
type Auth struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id"`
	Token           string `json:"token"`
	ProtocolVersion int    `json:"protocol_version"`
}

// AuthOK confirms authentication and echoes the resolved identity.
type AuthOK struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Identity  string `json:"identity"`
}

// HandshakePublish submits the sender's public key for a peer.
type HandshakePublish struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	To        string `json:"to"`
	PublicKey []byte `json:"public_key"`
}

// HandshakeDeliver pushes a peer's public key to its addressee.
type HandshakeDeliver struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	PublicKey []byte `json:"public_key"`
}

// MessagePublish submits an encrypted message for delivery.
type MessagePublish struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id"`
	ReceiverID  string `json:"receiver_id"`
	ChatID      string `json:"chat_id"`
	Ciphertext  string `json:"ciphertext"`
	IV          string `json:"iv"`
	MessageType string `json:"message_type"`
}

// MessageDeliver pushes a stored message to its receiver.
type MessageDeliver struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Message   models.Message `json:"message"`
}

// Receipt acknowledges durable receipt of one message. Fire and forget;
// the transition it triggers is idempotent.
type Receipt struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	MessageID  string `json:"message_id"`
	ReceivedAt int64  `json:"received_at"`
}

// BacklogPull requests everything queued for the caller.
type BacklogPull struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// BacklogResponse returns the caller's backlog.
type BacklogResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Backlog   models.Backlog `json:"backlog"`
}

// Ack answers a correlated request. Message is set when acknowledging a
// publish with the server-assigned message record.
type Ack struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
}

// ErrorFrame reports a request rejection or protocol error.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Ping is a keep-alive probe.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// EncodeJSON marshals a wire frame to JSON.
func EncodeJSON(frame any) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal wire frame: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope extracts the type and correlation ID from a payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, ErrInvalidFrameType
	}
	return envelope, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
