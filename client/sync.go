package client

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"chatrelay/wire"
)

// Syncer reconciles the server backlog into the local cache. It runs on
// login and after every reconnect; because cache inserts are idempotent and
// receipts are idempotent server-side, running it twice is harmless.
type Syncer struct {
	client *Client
}

func newSyncer(client *Client) *Syncer {
	return &Syncer{client: client}
}

// SyncBacklog pulls everything queued for this identity, completes any key
// exchanges first so their messages decrypt, stores each message, and
// confirms each with a receipt.
func (s *Syncer) SyncBacklog() error {
	c := s.client

	backlog, err := c.PullBacklog()
	if err != nil {
		return fmt.Errorf("pull backlog: %w", err)
	}
	if len(backlog.Messages) == 0 && len(backlog.PendingKeys) == 0 {
		return nil
	}

	for _, pendingKey := range backlog.PendingKeys {
		status := c.exchanger.HandlePeerKey(pendingKey.SenderID, pendingKey.PublicKey)
		if status != wire.StatusReceived {
			c.log.WithFields(logrus.Fields{
				"peer":   pendingKey.SenderID,
				"status": status,
			}).Warn("queued key exchange not completed")
		}
	}

	var stored int
	for _, message := range backlog.Messages {
		inserted, err := c.ingest(message)
		if err != nil {
			c.log.WithError(err).WithField("message_id", message.MessageID).Error("store backlog message failed")
			continue
		}
		if inserted {
			stored++
		}
		if err := c.SendReceipt(message.MessageID); err != nil {
			c.log.WithError(err).WithField("message_id", message.MessageID).Debug("receipt send failed")
		}
	}

	c.log.WithFields(logrus.Fields{
		"messages": len(backlog.Messages),
		"stored":   stored,
		"keys":     len(backlog.PendingKeys),
	}).Info("backlog synchronized")
	return nil
}
