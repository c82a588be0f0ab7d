package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatrelay/mailbox"
	"chatrelay/models"
	"chatrelay/wire"
)

// handleHandshakePublish routes a public key to its addressee. An online
// receiver answers directly and its verdict passes through to the sender;
// otherwise the key is queued and the mailbox decides between stored,
// duplicate and conflict.
func (sess *session) handleHandshakePublish(envelope wire.Envelope, payload []byte) {
	var publish wire.HandshakePublish
	if err := json.Unmarshal(payload, &publish); err != nil {
		sess.sendError(wire.ErrorFrame{RequestID: envelope.RequestID, Code: wire.CodeBadRequest, Message: "malformed handshake_publish frame"})
		return
	}
	if publish.To == "" || len(publish.PublicKey) == 0 {
		sess.sendError(wire.ErrorFrame{RequestID: envelope.RequestID, Code: wire.CodeBadRequest, Message: "handshake requires a peer and a public key"})
		return
	}

	if ack, ok := sess.tryLiveHandshake(publish); ok {
		sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: ack.Status, Reason: ack.Reason})
		return
	}

	outcome, err := sess.server.opts.Store.SavePendingKey(models.PendingKey{
		SenderID:   sess.identity,
		ReceiverID: publish.To,
		PublicKey:  publish.PublicKey,
	})
	if err != nil {
		sess.log.WithError(err).Error("save pending key failed")
		sess.sendError(wire.ErrorFrame{RequestID: publish.RequestID, Code: wire.CodeStoreFailure, Message: "could not store key"})
		return
	}

	switch outcome {
	case mailbox.KeyDuplicate:
		sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: wire.StatusDuplicate})
	case mailbox.KeyConflict:
		sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: wire.StatusConflict, Reason: "a different key is already queued for this peer"})
	default:
		sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: wire.StatusReceived})
	}
}

// tryLiveHandshake pushes the key to an online receiver and waits for its
// verdict. A timeout or a dead channel falls back to the mailbox.
func (sess *session) tryLiveHandshake(publish wire.HandshakePublish) (wire.Ack, bool) {
	receiver, ok := sess.peerSession(publish.To)
	if !ok {
		return wire.Ack{}, false
	}

	deliverID := uuid.NewString()
	ack, err := receiver.pushWithAck(deliverID, wire.HandshakeDeliver{
		Type:      wire.TypeHandshakeDeliver,
		RequestID: deliverID,
		From:      sess.identity,
		PublicKey: publish.PublicKey,
	}, sess.server.opts.AckTimeout)
	if err != nil {
		sess.log.WithError(err).WithField("peer", publish.To).Debug("live handshake fell back to mailbox")
		return wire.Ack{}, false
	}
	return ack, true
}

// handleMessagePublish persists a message and acks the sender with the
// stored record, then attempts an immediate push. An empty receiver fans the
// message out to every other chat member.
func (sess *session) handleMessagePublish(envelope wire.Envelope, payload []byte) {
	var publish wire.MessagePublish
	if err := json.Unmarshal(payload, &publish); err != nil {
		sess.sendError(wire.ErrorFrame{RequestID: envelope.RequestID, Code: wire.CodeBadRequest, Message: "malformed message_publish frame"})
		return
	}
	if publish.ChatID == "" || publish.Ciphertext == "" {
		sess.sendError(wire.ErrorFrame{RequestID: publish.RequestID, Code: wire.CodeBadRequest, Message: "message requires a chat and a ciphertext"})
		return
	}

	member, err := sess.server.opts.Membership.IsMember(sess.identity, publish.ChatID)
	if err != nil {
		sess.log.WithError(err).Error("membership lookup failed")
		sess.sendError(wire.ErrorFrame{RequestID: publish.RequestID, Code: wire.CodeStoreFailure, Message: "membership lookup failed"})
		return
	}
	if !member {
		sess.sendError(wire.ErrorFrame{RequestID: publish.RequestID, Code: wire.CodeNotMember, Message: "sender is not a member of chat " + publish.ChatID})
		return
	}

	if publish.ReceiverID == "" {
		sess.fanOutToChat(publish)
		return
	}

	stored, err := sess.storeAndPush(publish, publish.ReceiverID)
	if err != nil {
		sess.log.WithError(err).Error("enqueue message failed")
		sess.sendError(wire.ErrorFrame{RequestID: publish.RequestID, Code: wire.CodeStoreFailure, Message: "could not store message"})
		return
	}
	sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: wire.StatusReceived, Message: &stored})
}

// fanOutToChat enqueues one copy per member, every copy independently, and
// reports partial failure instead of aborting on the first bad member.
func (sess *session) fanOutToChat(publish wire.MessagePublish) {
	members, err := sess.server.opts.Store.ChatMembers(publish.ChatID)
	if err != nil {
		sess.log.WithError(err).Error("chat member lookup failed")
		sess.sendError(wire.ErrorFrame{RequestID: publish.RequestID, Code: wire.CodeStoreFailure, Message: "chat member lookup failed"})
		return
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		enqueued int
		failed   int
	)
	for _, member := range members {
		if member == sess.identity {
			continue
		}
		wg.Add(1)
		go func(receiverID string) {
			defer wg.Done()
			_, err := sess.storeAndPush(publish, receiverID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sess.log.WithError(err).WithField("receiver", receiverID).Error("fan-out enqueue failed")
				failed++
				return
			}
			enqueued++
		}(member)
	}
	wg.Wait()

	if enqueued == 0 && failed > 0 {
		sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: wire.StatusFailed, Reason: "no copy could be stored"})
		return
	}
	sess.sendAck(wire.Ack{RequestID: publish.RequestID, Status: wire.StatusReceived})
}

// storeAndPush enqueues one copy for receiverID and, when the receiver is
// online, pushes it in the background without holding up the sender's ack.
func (sess *session) storeAndPush(publish wire.MessagePublish, receiverID string) (models.Message, error) {
	stored, err := sess.server.opts.Store.EnqueueMessage(models.Message{
		MessageID:   uuid.NewString(),
		SenderID:    sess.identity,
		ReceiverID:  receiverID,
		ChatID:      publish.ChatID,
		Ciphertext:  publish.Ciphertext,
		IV:          publish.IV,
		MessageType: publish.MessageType,
	})
	if err != nil {
		return models.Message{}, err
	}

	if receiver, ok := sess.peerSession(receiverID); ok {
		sess.server.wg.Add(1)
		go func() {
			defer sess.server.wg.Done()
			sess.pushStored(receiver, stored)
		}()
	}

	return stored, nil
}

// pushStored delivers one stored message over a live channel and performs
// the delivery transition once the receiver acknowledges it.
func (sess *session) pushStored(receiver *session, message models.Message) {
	deliverID := uuid.NewString()
	ack, err := receiver.pushWithAck(deliverID, wire.MessageDeliver{
		Type:      wire.TypeMessageDeliver,
		RequestID: deliverID,
		Message:   message,
	}, sess.server.opts.AckTimeout)
	if err != nil {
		// The copy stays queued; the receiver collects it from its backlog.
		sess.log.WithError(err).WithField("message_id", message.MessageID).Debug("live push not acknowledged")
		return
	}
	if ack.Status != wire.StatusReceived && ack.Status != wire.StatusDuplicate {
		sess.log.WithFields(logrus.Fields{
			"message_id": message.MessageID,
			"status":     ack.Status,
		}).Warn("live push rejected by receiver")
		return
	}

	now := time.Now().UnixMilli()
	if _, err := sess.server.opts.Store.MarkDelivered(message.MessageID, message.ReceiverID, now, mailbox.DeliveredTTL.Milliseconds()); err != nil {
		sess.log.WithError(err).WithField("message_id", message.MessageID).Error("delivery transition failed")
	}
}

// handleReceipt finalizes one message after the receiver confirms durable
// local receipt. Fire and forget: both branches are idempotent, so a
// replayed receipt is harmless.
func (sess *session) handleReceipt(payload []byte) {
	var receipt wire.Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil || receipt.MessageID == "" {
		return
	}

	receivedAt := receipt.ReceivedAt
	if receivedAt == 0 {
		receivedAt = time.Now().UnixMilli()
	}

	store := sess.server.opts.Store
	transitioned, err := store.MarkDelivered(receipt.MessageID, sess.identity, receivedAt, mailbox.DisposedTTL.Milliseconds())
	if err != nil {
		sess.log.WithError(err).WithField("message_id", receipt.MessageID).Error("receipt transition failed")
		return
	}
	if transitioned {
		return
	}
	// Already delivered by a live push or a backlog pull; the receipt only
	// shortens its retention.
	if err := store.DisposeDelivered(receipt.MessageID, sess.identity, time.Now().UnixMilli()); err != nil {
		sess.log.WithError(err).WithField("message_id", receipt.MessageID).Error("receipt disposal failed")
	}
}

// handleBacklogPull drains everything queued for the session's identity.
func (sess *session) handleBacklogPull(envelope wire.Envelope) {
	backlog, err := sess.server.opts.Store.PullBacklog(sess.identity)
	if err != nil {
		sess.log.WithError(err).Error("backlog pull failed")
		sess.sendError(wire.ErrorFrame{RequestID: envelope.RequestID, Code: wire.CodeStoreFailure, Message: "could not read backlog"})
		return
	}

	if err := sess.send(wire.BacklogResponse{
		Type:      wire.TypeBacklog,
		RequestID: envelope.RequestID,
		Backlog:   backlog,
	}); err != nil {
		sess.log.WithError(err).Debug("backlog response write failed")
	}
}

func (sess *session) sendAck(ack wire.Ack) {
	ack.Type = wire.TypeAck
	if err := sess.send(ack); err != nil {
		sess.log.WithError(err).Debug("ack write failed")
	}
}

// peerSession resolves an identity to its live session, if any.
func (sess *session) peerSession(identity string) (*session, bool) {
	channel, ok := sess.server.opts.Registry.Get(identity)
	if !ok {
		return nil, false
	}
	peer, ok := channel.(*session)
	return peer, ok
}
