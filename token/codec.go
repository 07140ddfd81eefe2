// Package token mints and validates the broker's short-lived tokens.
//
// A token is 64 hex chars of randomness followed by a 16 hex char
// truncated HMAC-SHA256 over owner:vaultUser:kind:issuedAtMillis. The
// record behind it lives in a cache.TokenStore.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-vault/cache"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/pilab-dev/shadow-vault/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	payloadBytes = 32
	payloadHex   = payloadBytes * 2
	signatureHex = 16
	tokenLength  = payloadHex + signatureHex

	DefaultSetupTTL      = 10 * time.Minute
	DefaultAccessTTL     = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenIntegrity = errors.New("token signature mismatch")
	ErrTokenKind      = errors.New("wrong token kind")
)

// Config configures a Codec. Zero durations fall back to the defaults.
type Config struct {
	SigningKey    []byte
	SetupTTL      time.Duration
	AccessTTL     time.Duration
	SweepInterval time.Duration
}

// Codec issues, validates, consumes and revokes short-lived tokens.
type Codec struct {
	store cache.TokenStore
	key   []byte
	clock clock.Clock

	setupTTL      time.Duration
	accessTTL     time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	lastSweep time.Time
	sweepErr  error
}

// NewCodec creates a Codec. The signing key must be at least 32 bytes.
func NewCodec(store cache.TokenStore, cfg Config, clk clock.Clock) (*Codec, error) {
	if len(cfg.SigningKey) < crypto.KeySize {
		return nil, fmt.Errorf("token signing key must be at least %d bytes", crypto.KeySize)
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Codec{
		store:         store,
		key:           append([]byte(nil), cfg.SigningKey...),
		clock:         clk,
		setupTTL:      cfg.SetupTTL,
		accessTTL:     cfg.AccessTTL,
		sweepInterval: cfg.SweepInterval,
	}
	if c.setupTTL <= 0 {
		c.setupTTL = DefaultSetupTTL
	}
	if c.accessTTL <= 0 {
		c.accessTTL = DefaultAccessTTL
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	return c, nil
}

// TTL returns the lifetime of tokens of kind.
func (c *Codec) TTL(kind domain.TokenKind) time.Duration {
	if kind == domain.TokenKindSetup {
		return c.setupTTL
	}
	return c.accessTTL
}

// Issue mints a token of kind for the owner and stores its record.
func (c *Codec) Issue(ctx context.Context, kind domain.TokenKind, ownerPrimaryID, vaultUserID string) (*domain.TokenRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrTokenKind, kind)
	}

	payload := make([]byte, payloadBytes)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("generate token payload: %w", err)
	}

	now := c.clock.Now().UTC().Truncate(time.Millisecond)
	ttl := c.TTL(kind)
	rec := &domain.TokenRecord{
		OwnerPrimaryID: ownerPrimaryID,
		VaultUserID:    vaultUserID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		Kind:           kind,
	}
	rec.Signature = c.sign(rec)
	rec.Token = hex.EncodeToString(payload) + rec.Signature

	if err := c.store.Set(ctx, rec.Token, rec, ttl); err != nil {
		return nil, fmt.Errorf("store %s token: %w", kind, err)
	}

	metrics.TokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	log.Ctx(ctx).Debug().
		Str("token", cache.Redact(rec.Token)).
		Str("kind", string(kind)).
		Str("owner", ownerPrimaryID).
		Time("expires_at", rec.ExpiresAt).
		Msg("token issued")

	return rec, nil
}

// IssueSetup mints a single-use setup token.
func (c *Codec) IssueSetup(ctx context.Context, ownerPrimaryID, vaultUserID string) (*domain.TokenRecord, error) {
	return c.Issue(ctx, domain.TokenKindSetup, ownerPrimaryID, vaultUserID)
}

// IssueAccess mints a reusable access token.
func (c *Codec) IssueAccess(ctx context.Context, ownerPrimaryID, vaultUserID string) (*domain.TokenRecord, error) {
	return c.Issue(ctx, domain.TokenKindAccess, ownerPrimaryID, vaultUserID)
}

// Validate returns the record behind token. Expired and tampered records
// are deleted as a side effect.
func (c *Codec) Validate(ctx context.Context, token string) (*domain.TokenRecord, error) {
	if !wellFormed(token) {
		return nil, c.fail(ctx, token, ErrTokenNotFound)
	}

	rec, err := c.store.Get(ctx, token)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, c.fail(ctx, token, ErrTokenNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	rec.Token = token

	if err := c.check(rec); err != nil {
		if delErr := c.store.Delete(ctx, token); delErr != nil {
			log.Ctx(ctx).Warn().Err(delErr).Str("token", cache.Redact(token)).Msg("failed to delete invalid token")
		}
		return nil, c.fail(ctx, token, err)
	}
	return rec, nil
}

// ConsumeSetup validates a setup token and removes it in the same atomic
// step, so concurrent callers cannot both succeed.
func (c *Codec) ConsumeSetup(ctx context.Context, token string) (*domain.TokenRecord, error) {
	if !wellFormed(token) {
		return nil, c.fail(ctx, token, ErrTokenNotFound)
	}

	rec, err := c.store.Take(ctx, token)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, c.fail(ctx, token, ErrTokenNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("take token: %w", err)
	}
	rec.Token = token

	if err := c.check(rec); err != nil {
		return nil, c.fail(ctx, token, err)
	}

	if rec.Kind != domain.TokenKindSetup {
		// An access token presented here stays valid for its real use.
		if ttl := rec.ExpiresAt.Sub(c.clock.Now()); ttl > 0 {
			if err := c.store.Set(ctx, token, rec, ttl); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("token", cache.Redact(token)).Msg("failed to restore access token")
			}
		}
		return nil, c.fail(ctx, token, ErrTokenKind)
	}

	rec.Consumed = true
	return rec, nil
}

// Revoke deletes a token. Revoking an unknown token is not an error.
func (c *Codec) Revoke(ctx context.Context, token string) error {
	if err := c.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeAll deletes every token owned by ownerPrimaryID.
func (c *Codec) RevokeAll(ctx context.Context, ownerPrimaryID string) (int, error) {
	n, err := c.store.DeleteByOwner(ctx, ownerPrimaryID)
	if err != nil {
		return n, fmt.Errorf("revoke tokens of %s: %w", ownerPrimaryID, err)
	}
	log.Ctx(ctx).Info().Str("owner", ownerPrimaryID).Int("revoked", n).Msg("revoked all tokens")
	return n, nil
}

// Sweep deletes every record past its expiry, regardless of kind.
func (c *Codec) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.clock.Now())

	c.mu.Lock()
	c.lastSweep = c.clock.Now()
	c.sweepErr = err
	c.mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("sweep expired tokens: %w", err)
	}
	metrics.TokensSweptTotal.Add(float64(n))
	if n > 0 {
		log.Ctx(ctx).Debug().Int("deleted", n).Msg("swept expired tokens")
	}
	return n, nil
}

// Start runs the expiry sweep every sweep interval until ctx is done.
func (c *Codec) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("token sweep failed")
			}
		}
	}
}

// Stats reports the size of the store and the outcome of the last sweep.
type Stats struct {
	Records   int
	LastSweep time.Time
	SweepErr  error
}

// Stats returns the current Stats.
func (c *Codec) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Records: c.store.Count(ctx), LastSweep: c.lastSweep, SweepErr: c.sweepErr}
}

// Clear removes every token record.
func (c *Codec) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// check verifies expiry, then the signature, of a record already loaded.
func (c *Codec) check(rec *domain.TokenRecord) error {
	if rec.IsExpired(c.clock.Now()) {
		return ErrTokenExpired
	}
	expected := c.sign(rec)
	embedded := rec.Token[payloadHex:]
	if subtle.ConstantTimeCompare([]byte(expected), []byte(embedded)) != 1 ||
		subtle.ConstantTimeCompare([]byte(expected), []byte(rec.Signature)) != 1 {
		return ErrTokenIntegrity
	}
	return nil
}

func (c *Codec) sign(rec *domain.TokenRecord) string {
	return hex.EncodeToString(crypto.MAC(c.key, rec.SigningInput()))[:signatureHex]
}

func (c *Codec) fail(ctx context.Context, token string, reason error) error {
	label := "not_found"
	switch {
	case errors.Is(reason, ErrTokenExpired):
		label = "expired"
	case errors.Is(reason, ErrTokenIntegrity):
		label = "integrity"
	case errors.Is(reason, ErrTokenKind):
		label = "kind"
	}
	metrics.TokenValidationFailuresTotal.WithLabelValues(label).Inc()
	log.Ctx(ctx).Info().
		Str("token", cache.Redact(token)).
		Str("reason", label).
		Msg("token rejected")
	return reason
}

func wellFormed(token string) bool {
	if len(token) != tokenLength {
		return false
	}
	return strings.IndexFunc(token, func(r rune) bool {
		return !('0' <= r && r <= '9' || 'a' <= r && r <= 'f')
	}) < 0
}
