package domain

import (
	"fmt"
	"time"
)

// TokenKind distinguishes single-use setup tokens from reusable access tokens.
type TokenKind string

const (
	TokenKindSetup  TokenKind = "setup"
	TokenKindAccess TokenKind = "access"
)

// Valid reports whether k is a known kind.
func (k TokenKind) Valid() bool {
	return k == TokenKindSetup || k == TokenKindAccess
}

// TokenRecord is the server-side state behind an opaque short-lived token.
type TokenRecord struct {
	Token          string    `json:"token"`
	OwnerPrimaryID string    `json:"owner_primary_id"`
	VaultUserID    string    `json:"vault_user_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Kind           TokenKind `json:"kind"`
	Signature      string    `json:"signature"`
	Consumed       bool      `json:"consumed"`
}

// SigningInput is the message covered by the token signature.
func (r *TokenRecord) SigningInput() string {
	return fmt.Sprintf("%s:%s:%s:%d", r.OwnerPrimaryID, r.VaultUserID, r.Kind, r.IssuedAt.UnixMilli())
}

// IsExpired reports whether now is past ExpiresAt.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
