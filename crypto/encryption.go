package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// NonceSize is the AES-GCM nonce length in bytes (96 bits). A fresh random
// nonce is generated per encryption; nonces are never reused under one key.
const NonceSize = 12

// ErrDecryptFailed indicates tag verification failed or the input was
// malformed. Callers treat the payload as opaque instead of failing the
// surrounding pipeline.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Encrypt seals plaintext with AES-256-GCM under the shared key and returns
// the ciphertext and the random nonce used.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens AES-256-GCM ciphertext. Any authentication or format
// failure is reported as ErrDecryptFailed.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	if len(ciphertext) == 0 {
		return nil, ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != SharedKeySize {
		return nil, fmt.Errorf("invalid shared key length: got %d want %d", len(key), SharedKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
