package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSharedKey stores the derived key for a peer, bumping the version when
// a key already existed. A re-derivation after a fresh exchange must replace
// the old key without losing track that it did.
func (s *Store) SaveSharedKey(peerID string, key []byte) (int64, error) {
	if peerID == "" {
		return 0, errors.New("peer_id is required")
	}
	if len(key) == 0 {
		return 0, errors.New("key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO shared_keys (peer_id, key, version, created_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			key = excluded.key,
			version = shared_keys.version + 1,
			created_at = excluded.created_at`,
		peerID,
		key,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("save shared key for %q: %w", peerID, err)
	}

	var version int64
	if err := s.db.QueryRow(`SELECT version FROM shared_keys WHERE peer_id = ?`, peerID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read shared key version for %q: %w", peerID, err)
	}
	return version, nil
}

// SharedKey returns the derived key and its version for a peer.
func (s *Store) SharedKey(peerID string) ([]byte, int64, error) {
	var (
		key     []byte
		version int64
	)
	err := s.db.QueryRow(
		`SELECT key, version FROM shared_keys WHERE peer_id = ?`,
		peerID,
	).Scan(&key, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get shared key for %q: %w", peerID, err)
	}
	return key, version, nil
}

// SavePendingPrivateKey stores the PEM-encoded private half of an exchange
// this client initiated, until the peer's public key arrives.
func (s *Store) SavePendingPrivateKey(peerID string, privateKeyPEM []byte) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if len(privateKeyPEM) == 0 {
		return errors.New("private key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO pending_private_keys (peer_id, private_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO NOTHING`,
		peerID,
		privateKeyPEM,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save pending private key for %q: %w", peerID, err)
	}
	return nil
}

// PendingPrivateKey returns the stored private half for a peer, if any.
func (s *Store) PendingPrivateKey(peerID string) ([]byte, error) {
	var privateKeyPEM []byte
	err := s.db.QueryRow(
		`SELECT private_key FROM pending_private_keys WHERE peer_id = ?`,
		peerID,
	).Scan(&privateKeyPEM)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending private key for %q: %w", peerID, err)
	}
	return privateKeyPEM, nil
}

// DeletePendingPrivateKey removes the private half once the exchange
// completed.
func (s *Store) DeletePendingPrivateKey(peerID string) error {
	if _, err := s.db.Exec(`DELETE FROM pending_private_keys WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("delete pending private key for %q: %w", peerID, err)
	}
	return nil
}
