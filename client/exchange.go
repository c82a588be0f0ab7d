package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatrelay/cache"
	"chatrelay/crypto"
	"chatrelay/wire"
)

// KeyExchanger drives the per-peer handshake: generate a pair, park the
// private half, publish the public half, and derive the shared key when the
// peer's public half arrives. Either side may initiate; ECDH gives both the
// same key regardless of the order.
type KeyExchanger struct {
	client *Client
	cache  *cache.Store

	mu    sync.Mutex
	peers map[string]*sync.Mutex
}

func newKeyExchanger(client *Client) *KeyExchanger {
	return &KeyExchanger{
		client: client,
		cache:  client.cache,
		peers:  make(map[string]*sync.Mutex),
	}
}

// peerLock serializes exchange steps per peer. Distinct peers proceed
// independently.
func (x *KeyExchanger) peerLock(peerID string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	lock, ok := x.peers[peerID]
	if !ok {
		lock = &sync.Mutex{}
		x.peers[peerID] = lock
	}
	return lock
}

// EnsureKey makes sure an exchange with the peer is established or in
// flight. An established key or a parked private half is a no-op; otherwise
// a fresh pair is generated, the private half parked, and the public half
// published.
func (x *KeyExchanger) EnsureKey(peerID string) error {
	if peerID == "" {
		return errors.New("client: peer id is required")
	}

	lock := x.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if _, _, err := x.cache.SharedKey(peerID); err == nil {
		return nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}

	if _, err := x.cache.PendingPrivateKey(peerID); err == nil {
		// Already in flight; the parked private half must stay put so it
		// still matches the public half the peer will answer.
		return nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}

	privateKey, publicKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair for %q: %w", peerID, err)
	}
	if err := x.cache.SavePendingPrivateKey(peerID, crypto.MarshalPrivateKey(privateKey)); err != nil {
		return err
	}

	requestID := uuid.NewString()
	ack, err := x.client.SendWithAck(requestID, wire.HandshakePublish{
		Type:      wire.TypeHandshakePublish,
		RequestID: requestID,
		To:        peerID,
		PublicKey: publicKey,
	})
	if err != nil {
		return fmt.Errorf("publish public key for %q: %w", peerID, err)
	}

	switch ack.Status {
	case wire.StatusReceived, wire.StatusDuplicate:
		return nil
	case wire.StatusConflict:
		return ErrKeyConflict
	case wire.StatusFailed:
		// The peer was online but had no exchange in flight with us. Our
		// half stays parked; the peer completes it once it initiates.
		return ErrHandshakeFailed
	default:
		return fmt.Errorf("publish public key for %q rejected: %s", peerID, ack.Reason)
	}
}

// HandlePeerKey is the responder path for an inbound public key, from a
// live push or from the backlog. It returns the ack status to report back.
func (x *KeyExchanger) HandlePeerKey(peerID string, publicKey []byte) string {
	if peerID == "" || len(publicKey) == 0 {
		return wire.StatusFailed
	}

	lock := x.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	privateKeyPEM, err := x.cache.PendingPrivateKey(peerID)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			x.client.log.WithError(err).WithField("peer", peerID).Error("pending private key lookup failed")
		}
		// No exchange in flight with this peer: nothing to derive against.
		return wire.StatusFailed
	}

	privateKey, err := crypto.UnmarshalPrivateKey(privateKeyPEM)
	if err != nil {
		x.client.log.WithError(err).WithField("peer", peerID).Error("parked private key unreadable")
		return wire.StatusFailed
	}

	sharedKey, err := crypto.DeriveSharedKey(privateKey, publicKey)
	if err != nil {
		x.client.log.WithError(err).WithField("peer", peerID).Error("shared key derivation failed")
		return wire.StatusFailed
	}

	version, err := x.cache.SaveSharedKey(peerID, sharedKey)
	if err != nil {
		x.client.log.WithError(err).WithField("peer", peerID).Error("shared key persist failed")
		return wire.StatusFailed
	}
	if err := x.cache.DeletePendingPrivateKey(peerID); err != nil {
		x.client.log.WithError(err).WithField("peer", peerID).Warn("pending private key cleanup failed")
	}

	x.client.log.WithFields(logrus.Fields{
		"peer":    peerID,
		"version": version,
	}).Info("key exchange established")
	return wire.StatusReceived
}
