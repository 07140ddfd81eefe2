package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required master key length (AES-256).
const KeySize = 32

const (
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrInvalidKeySize    = errors.New("master key must be exactly 32 bytes")
	ErrMalformedEnvelope = errors.New("malformed ciphertext envelope")
	ErrDecryptFailed     = errors.New("ciphertext authentication failed")
)

// Cipher seals values with AES-256-GCM under the server master key.
// Sealed values are encoded as hex "iv:tag:ciphertext" with a fresh
// random 96-bit IV per call.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key. The key is copied into
// the AES key schedule; callers may wipe their slice afterwards.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns the envelope string.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an envelope produced by Encrypt. The returned slice is
// owned by the caller, who should wipe it when done.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	iv, tag, ct, err := splitEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// IsEnvelope reports whether s has the iv:tag:ciphertext shape with a
// 12-byte IV and a 16-byte tag. It does not authenticate the contents.
func IsEnvelope(s string) bool {
	_, _, _, err := splitEnvelope(s)
	return err == nil
}

func splitEnvelope(envelope string) (iv, tag, ct []byte, err error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return nil, nil, nil, ErrMalformedEnvelope
	}

	if iv, err = hex.DecodeString(parts[0]); err != nil || len(iv) != nonceSize {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	if ct, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, ErrMalformedEnvelope
	}
	return iv, tag, ct, nil
}
