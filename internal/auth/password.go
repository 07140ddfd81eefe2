package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinProofLength is the shortest setup proof accepted.
const MinProofLength = 8

// ErrProofTooShort is returned for proofs under MinProofLength bytes.
var ErrProofTooShort = fmt.Errorf("setup proof must be at least %d bytes", MinProofLength)

// ProofHasher hashes setup proofs with bcrypt. Proofs are reduced with
// SHA-256 first so any length fits bcrypt's 72 byte input.
type ProofHasher struct {
	Cost int
}

// NewProofHasher creates a ProofHasher.
// Default cost is bcrypt.DefaultCost if cost <= 0.
func NewProofHasher(cost int) *ProofHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &ProofHasher{Cost: cost}
}

// Hash returns the bcrypt hash of proof.
func (h *ProofHasher) Hash(proof []byte) (string, error) {
	if len(proof) < MinProofLength {
		return "", ErrProofTooShort
	}
	hashed, err := bcrypt.GenerateFromPassword(prehash(proof), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	return string(hashed), nil
}

// Verify compares a hash produced by Hash with proof.
// Returns nil on success, or bcrypt.ErrMismatchedHashAndPassword on failure.
func (h *ProofHasher) Verify(hash string, proof []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), prehash(proof))
}

func prehash(proof []byte) []byte {
	sum := sha256.Sum256(proof)
	return []byte(hex.EncodeToString(sum[:]))
}
