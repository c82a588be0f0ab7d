package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/hkdf"
)

const (
	// SharedKeySize is the derived symmetric key length in bytes.
	SharedKeySize = 32

	x25519PrivatePEMType = "X25519 PRIVATE KEY"
)

// sharedKeyInfo is the HKDF info string. It is fixed and direction-free so
// both parties derive the same key from the same ECDH secret.
var sharedKeyInfo = []byte("chatrelay shared key v1")

var x25519Curve = ecdh.X25519()

// GenerateKeyPair creates a fresh X25519 key pair and returns the private
// key together with the raw public key bytes sent to the peer.
func GenerateKeyPair() (*ecdh.PrivateKey, []byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 key pair: %w", err)
	}
	return privateKey, privateKey.PublicKey().Bytes(), nil
}

// ParsePublicKey validates raw public key bytes received from a peer.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ParsePrivateKey restores a private key from its raw byte form.
func ParsePrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return privateKey, nil
}

// DeriveSharedKey computes the X25519 shared secret with the peer's public
// key and expands it to a 32-byte symmetric key with HKDF-SHA256.
//
// The derivation is deterministic and symmetric: deriving with (aPriv, bPub)
// and (bPriv, aPub) yields identical keys.
func DeriveSharedKey(privateKey *ecdh.PrivateKey, peerPublicRaw []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("crypto: private key is required")
	}

	peerPublicKey, err := ParsePublicKey(peerPublicRaw)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	reader := hkdf.New(sha256.New, sharedSecret, nil, sharedKeyInfo)
	key := make([]byte, SharedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("expand shared key: %w", err)
	}

	return key, nil
}

// EnsurePrivateKey loads an X25519 private key from disk, generating and
// persisting it on first run.
func EnsurePrivateKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadPrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, _, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// LoadPrivateKey reads an X25519 private key from PEM.
func LoadPrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}

	return ParsePrivateKey(block.Bytes)
}

// SavePrivateKey writes an X25519 private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *ecdh.PrivateKey) error {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}

	return nil
}

// MarshalPrivateKey returns a PEM encoding of the private key for storage
// in the local cache while a handshake is in flight.
func MarshalPrivateKey(key *ecdh.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	})
}

// UnmarshalPrivateKey restores a private key from MarshalPrivateKey output.
func UnmarshalPrivateKey(raw []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	return ParsePrivateKey(block.Bytes)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicRaw []byte) string {
	sum := sha256.Sum256(publicRaw)
	return hex.EncodeToString(sum[:16])
}
