package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pilab-dev/shadow-vault/internal/secret"
	"golang.org/x/crypto/hkdf"
)

// MinCredentialBytes is the minimum entropy used for a generated vault
// credential.
const MinCredentialBytes = 32

// credentialCharset has exactly 64 symbols so a random byte maps onto it
// without modulo bias.
const credentialCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// DecodeMasterKey accepts a hex (64 chars) or base64 encoded key and
// requires it to decode to exactly KeySize bytes.
func DecodeMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	if len(encoded) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != KeySize {
				return nil, ErrInvalidKeySize
			}
			return key, nil
		}
	}

	return nil, fmt.Errorf("master key is neither hex nor base64: %w", ErrInvalidKeySize)
}

// GenerateCredential returns a random printable credential of n
// characters drawn from n random bytes. n below MinCredentialBytes is
// raised to the minimum.
func GenerateCredential(n int) (*secret.Buffer, error) {
	if n < MinCredentialBytes {
		n = MinCredentialBytes
	}

	raw, err := secret.New(n)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	if _, err := io.ReadFull(rand.Reader, raw.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	out, err := secret.New(n)
	if err != nil {
		return nil, err
	}
	dst := out.Bytes()
	for i, b := range raw.Bytes() {
		dst[i] = credentialCharset[b&63]
	}

	return out, nil
}

// DeriveKey expands master into a purpose-bound subkey with HKDF-SHA256.
func DeriveKey(master []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}

// MAC returns HMAC-SHA256(key, msg).
func MAC(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}
