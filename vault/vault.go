// Package vault is the broker's view of the backend vault service: user
// accounts, session tokens, and per-user secrets.
package vault

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable covers network failures, timeouts and 5xx
	// responses. The broker never retries these itself.
	ErrBackendUnavailable = errors.New("backend vault unavailable")
	// ErrPermissionDenied means the session token was rejected, usually
	// because it expired or was revoked.
	ErrPermissionDenied = errors.New("backend vault permission denied")

	// ErrClientClosed means the client was used after Close. Nothing was
	// sent, so the same call is safe to repeat on a fresh client.
	ErrClientClosed   = errors.New("backend vault client closed")
	ErrSecretNotFound = errors.New("secret not found")
	ErrAccountExists  = errors.New("backend vault account already exists")
)

// AuthResult is a freshly issued backend session token.
type AuthResult struct {
	Token         string
	LeaseDuration time.Duration
}

// SecretMetadata describes a stored secret without its value.
type SecretMetadata struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is one authenticated session against the backend vault. A Client
// is not shared between scopes; SetToken changes the session in place.
type Client interface {
	// Authenticate logs username in and returns a new session token. It
	// does not change the token of this client.
	Authenticate(ctx context.Context, username string, password []byte) (*AuthResult, error)
	CreateAccount(ctx context.Context, username string, password []byte) error
	DeleteAccount(ctx context.Context, username string) error

	CreateSecret(ctx context.Context, vaultUserID, name string, value []byte) (*SecretMetadata, error)
	GetSecret(ctx context.Context, vaultUserID, name string) ([]byte, *SecretMetadata, error)
	ListSecrets(ctx context.Context, vaultUserID string) ([]string, error)
	RotateSecret(ctx context.Context, vaultUserID, name string, value []byte) (*SecretMetadata, error)
	DeleteSecret(ctx context.Context, vaultUserID, name string) (bool, error)

	// HealthCheck is a cheap round trip that also proves the session
	// token is still accepted.
	HealthCheck(ctx context.Context) error
	SetToken(token string)
	Close() error
}

// Dialer creates unauthenticated clients.
type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}
