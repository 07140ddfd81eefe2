package cache

import (
	"context"
	"errors"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
)

// ErrNotFound is returned when no record is stored under a token.
var ErrNotFound = errors.New("token record not found")

// TokenStore holds short-lived token records keyed by the hash of the token
// value. Every method must be safe for concurrent use; Take is the per-key
// atomic read-and-delete that single-use consumption relies on.
//
// Stores never persist the raw token: records come back with Token unset
// and the caller re-attaches it.
type TokenStore interface {
	// Set stores rec under token. ttl bounds how long the backing store
	// keeps it; expiry decisions are made by the caller's clock.
	Set(ctx context.Context, token string, rec *domain.TokenRecord, ttl time.Duration) error
	Get(ctx context.Context, token string) (*domain.TokenRecord, error)
	// Take atomically returns and removes the record.
	Take(ctx context.Context, token string) (*domain.TokenRecord, error)
	Delete(ctx context.Context, token string) error
	// DeleteExpired removes every record with ExpiresAt before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// DeleteByOwner removes every record owned by ownerPrimaryID.
	DeleteByOwner(ctx context.Context, ownerPrimaryID string) (int, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) int
}

// stripToken returns a copy of rec without the raw token value.
func stripToken(rec *domain.TokenRecord) *domain.TokenRecord {
	c := *rec
	c.Token = ""
	return &c
}
