package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sealedline/e2ee-core/internal/e2eerr"
)

// sealRecord encrypts plaintext under the store's master key with
// AES-GCM-256 and a fresh 96-bit IV, returning (ciphertext, iv)
// separately so both can be stored in their own columns, matching the
// { ciphertext, iv } record shape the spec requires for every
// persisted secret.
func sealRecord(key [32]byte, plaintext []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// openRecord reverses sealRecord. Any failure — bad key, truncated
// ciphertext, tampered tag — surfaces as ErrStorageCorrupt, matching
// the spec's "a failed decrypt surfaces StorageCorrupt" rule.
func openRecord(key [32]byte, ciphertext, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2eerr.ErrCryptoUnavailable, err)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, e2eerr.ErrStorageCorrupt
	}
	return plaintext, nil
}
