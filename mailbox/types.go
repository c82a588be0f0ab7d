package mailbox

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("mailbox: record not found")
)

// KeyOutcome classifies a pending-key submission.
type KeyOutcome string

const (
	// KeyStored means the key was queued for the receiver.
	KeyStored KeyOutcome = "stored"
	// KeyDuplicate means identical bytes were already queued; a no-op.
	KeyDuplicate KeyOutcome = "duplicate"
	// KeyConflict means different bytes are already queued; the submission
	// is rejected and the existing record stays authoritative.
	KeyConflict KeyOutcome = "conflict"
)

func validateMessageType(messageType string) error {
	switch messageType {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeFile:
		return nil
	default:
		return fmt.Errorf("invalid message type %q", messageType)
	}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
