// Package secrets encrypts credentials at rest. Connections store their
// credential blobs sealed with AES-256-GCM keyed by NANGO_ENCRYPTION_KEY;
// deployments without a key fall back to plaintext storage.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

// ErrKeySize is returned when the decoded encryption key is not 32 bytes.
var ErrKeySize = errors.New("encryption key must decode to 32 bytes")

// Cipher seals and opens credential blobs.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// AESGCM is the production cipher: AES-256-GCM with a random nonce prefixed
// to the ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

var _ Cipher = (*AESGCM)(nil)

// NewAESGCM builds a cipher from a raw 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// FromBase64Key builds a cipher from the NANGO_ENCRYPTION_KEY value. An
// empty key yields the plaintext cipher.
func FromBase64Key(encoded string) (Cipher, error) {
	if encoded == "" {
		return Plaintext{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return NewAESGCM(key)
}

// Seal encrypts plaintext and prefixes the random nonce.
func (c *AESGCM) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed ciphertext.
func (c *AESGCM) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plaintext, nil
}

// Plaintext is the no-op cipher used when no encryption key is configured.
type Plaintext struct{}

var _ Cipher = Plaintext{}

// Seal returns the plaintext unchanged.
func (Plaintext) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Open returns the ciphertext unchanged.
func (Plaintext) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
