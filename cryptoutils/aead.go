package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/ruteri/guardian-switch/interfaces"
)

const (
	// IVSize is the AES-GCM nonce size.
	IVSize = 12

	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
)

// Encrypt seals plaintext under key with AES-256-GCM. The IV is drawn from the
// system CSPRNG on every call and cannot be supplied by the caller.
func Encrypt(plaintext, key []byte) (ciphertext, iv, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv, err = RandomBytes(IVSize)
	if err != nil {
		return nil, nil, nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize
	return sealed[:split], iv, sealed[split:], nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any mismatch in key, IV, tag
// or ciphertext yields ErrAuthentication and no plaintext.
func Decrypt(ciphertext, key, iv, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: malformed iv or tag", interfaces.ErrAuthentication)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthentication, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", interfaces.ErrConfiguration, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
