// Package accesstoken keeps each provisioned user's long-lived backend
// session token, encrypted, and rotates it before it expires.
package accesstoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/pilab-dev/shadow-vault/internal/keylock"
	"github.com/pilab-dev/shadow-vault/internal/metrics"
	"github.com/pilab-dev/shadow-vault/internal/secret"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/pilab-dev/shadow-vault/vault"
	"github.com/rs/zerolog/log"
)

// ErrRotation wraps every failure to obtain a new session token.
var ErrRotation = errors.New("access token rotation failed")

// Defaults for Config.
const (
	DefaultLifetime  = 24 * time.Hour
	DefaultInterval  = 5 * time.Minute
	DefaultThreshold = 2 * time.Hour
)

// CredentialSource returns the decrypted vault credential of a user. The
// caller closes the buffer.
type CredentialSource interface {
	Credential(ctx context.Context, vaultUserID string) (*secret.Buffer, error)
}

// ConnectionSource runs calls on pooled backend connections.
type ConnectionSource interface {
	Do(ctx context.Context, scope string, fn func(*pool.Conn) error) error
}

// Listener is told about every successful rotation, with the new plaintext
// session token. It must not block.
type Listener func(vaultUserID, token string)

// Config configures a Store.
type Config struct {
	// Lifetime is how far each rotation extends TokenExpiresAt.
	Lifetime time.Duration
	// Interval is how often the rotation loop scans.
	Interval time.Duration
	// Threshold selects tokens with less remaining lifetime for rotation.
	Threshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Store holds one VaultAccessToken per vault user id. All record updates
// go through the Store; callers only ever see copies.
type Store struct {
	cipher *crypto.Cipher
	creds  CredentialSource
	conns  ConnectionSource
	cfg    Config
	clock  clock.Clock
	locks  *keylock.Map

	mu        sync.RWMutex
	tokens    map[string]*domain.VaultAccessToken
	listeners []Listener

	statsMu sync.Mutex
	stats   Stats
}

// Stats describes the rotation loop for health reporting.
type Stats struct {
	Tokens              int
	LastRun             time.Time
	LastRotated         int
	LastFailed          int
	TotalFailures       int
	ConsecutiveFailures int
}

// New creates a Store.
func New(cipher *crypto.Cipher, creds CredentialSource, conns ConnectionSource, cfg Config, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		cipher: cipher,
		creds:  creds,
		conns:  conns,
		cfg:    cfg.withDefaults(),
		clock:  clk,
		locks:  keylock.New(),
		tokens: make(map[string]*domain.VaultAccessToken),
	}
}

// OnRotate registers l for rotation notifications.
func (s *Store) OnRotate(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// AccessToken returns the user's current plaintext session token,
// refreshing it synchronously when missing or already expired.
func (s *Store) AccessToken(ctx context.Context, vaultUserID string) (string, error) {
	current := s.current(vaultUserID)
	if current != nil && s.clock.Now().Before(current.TokenExpiresAt) {
		return s.decrypt(current)
	}

	unlock := s.locks.Lock(vaultUserID)
	defer unlock()

	// Another caller may have refreshed while we waited.
	if latest := s.current(vaultUserID); latest != nil && s.clock.Now().Before(latest.TokenExpiresAt) {
		return s.decrypt(latest)
	}

	rec, err := s.rotateLocked(ctx, vaultUserID, "manual")
	if err != nil {
		return "", err
	}
	return s.decrypt(rec)
}

// ManualRefresh rotates the user's token now, even if the store still
// considers it valid, for when the backend has rejected it. Concurrent
// refreshes of the same user collapse into one.
func (s *Store) ManualRefresh(ctx context.Context, vaultUserID string) error {
	seen := s.current(vaultUserID)

	unlock := s.locks.Lock(vaultUserID)
	defer unlock()

	if latest := s.current(vaultUserID); latest != seen {
		return nil
	}
	_, err := s.rotateLocked(ctx, vaultUserID, "manual")
	return err
}

// Issue obtains the first session token of a newly set up user.
func (s *Store) Issue(ctx context.Context, vaultUserID string) error {
	unlock := s.locks.Lock(vaultUserID)
	defer unlock()

	if s.current(vaultUserID) != nil {
		return nil
	}
	_, err := s.rotateLocked(ctx, vaultUserID, "initial")
	return err
}

// Rotate rotates the user's token unconditionally.
func (s *Store) Rotate(ctx context.Context, vaultUserID string) error {
	unlock := s.locks.Lock(vaultUserID)
	defer unlock()

	_, err := s.rotateLocked(ctx, vaultUserID, "scheduled")
	return err
}

// rotateLocked must be called holding the user's key lock. The new
// record replaces the old one only after the backend issued the token.
func (s *Store) rotateLocked(ctx context.Context, vaultUserID, trigger string) (*domain.VaultAccessToken, error) {
	rec, err := s.obtain(ctx, vaultUserID)
	if err != nil {
		metrics.AccessTokenRotationsTotal.WithLabelValues(trigger, "failure").Inc()
		return nil, fmt.Errorf("%w for %s: %w", ErrRotation, vaultUserID, err)
	}
	token, plaintext := rec.record, rec.plaintext

	s.mu.Lock()
	prev := s.tokens[vaultUserID]
	if prev != nil {
		token.RotationCount = prev.RotationCount + 1
		token.AutoRotationEnabled = prev.AutoRotationEnabled
	}
	s.tokens[vaultUserID] = token
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	metrics.AccessTokenRotationsTotal.WithLabelValues(trigger, "success").Inc()
	log.Ctx(ctx).Debug().
		Str("vault_user_id", vaultUserID).
		Str("trigger", trigger).
		Int("rotation_count", token.RotationCount).
		Time("expires_at", token.TokenExpiresAt).
		Msg("rotated vault access token")

	for _, l := range listeners {
		l(vaultUserID, plaintext)
	}

	c := *token
	return &c, nil
}

type obtained struct {
	record    *domain.VaultAccessToken
	plaintext string
}

// obtain authenticates as the user and builds the encrypted record. It
// touches no store state.
func (s *Store) obtain(ctx context.Context, vaultUserID string) (*obtained, error) {
	cred, err := s.creds.Credential(ctx, vaultUserID)
	if err != nil {
		return nil, fmt.Errorf("load vault credential: %w", err)
	}
	defer cred.Close()

	var res *vault.AuthResult
	err = s.conns.Do(ctx, domain.ServiceScope, func(conn *pool.Conn) error {
		var err error
		res, err = conn.Authenticate(ctx, vaultUserID, cred.Bytes())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	raw := []byte(res.Token)
	encrypted, err := s.cipher.Encrypt(raw)
	secret.Wipe(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	lifetime := s.cfg.Lifetime
	if res.LeaseDuration > 0 && res.LeaseDuration < lifetime {
		lifetime = res.LeaseDuration
	}

	now := s.clock.Now()
	return &obtained{
		record: &domain.VaultAccessToken{
			UserID:               vaultUserID,
			EncryptedAccessToken: encrypted,
			TokenExpiresAt:       now.Add(lifetime),
			LastRotatedAt:        now,
			AutoRotationEnabled:  true,
		},
		plaintext: res.Token,
	}, nil
}

// RotateDue rotates every auto-rotating token that expires within the
// threshold. A failed rotation leaves the old token in place.
func (s *Store) RotateDue(ctx context.Context) (rotated, failed int) {
	now := s.clock.Now()

	s.mu.RLock()
	var due []string
	for user, t := range s.tokens {
		if t.AutoRotationEnabled && t.ExpiresWithin(now, s.cfg.Threshold) {
			due = append(due, user)
		}
	}
	s.mu.RUnlock()

	for _, user := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.rotateIfDue(ctx, user); err != nil {
			failed++
			log.Ctx(ctx).Warn().Err(err).Str("vault_user_id", user).Msg("scheduled rotation failed")
			continue
		}
		rotated++
	}

	s.statsMu.Lock()
	s.stats.LastRun = now
	s.stats.LastRotated = rotated
	s.stats.LastFailed = failed
	s.stats.TotalFailures += failed
	if failed > 0 {
		s.stats.ConsecutiveFailures++
	} else {
		s.stats.ConsecutiveFailures = 0
	}
	s.statsMu.Unlock()

	return rotated, failed
}

func (s *Store) rotateIfDue(ctx context.Context, vaultUserID string) error {
	unlock := s.locks.Lock(vaultUserID)
	defer unlock()

	t := s.current(vaultUserID)
	if t == nil || !t.AutoRotationEnabled || !t.ExpiresWithin(s.clock.Now(), s.cfg.Threshold) {
		return nil
	}
	_, err := s.rotateLocked(ctx, vaultUserID, "scheduled")
	return err
}

// Start runs RotateDue every interval until ctx is done.
func (s *Store) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rotated, failed := s.RotateDue(ctx); rotated > 0 || failed > 0 {
				log.Ctx(ctx).Info().Int("rotated", rotated).Int("failed", failed).Msg("access token rotation pass")
			}
		}
	}
}

// Get returns a copy of the user's record.
func (s *Store) Get(vaultUserID string) (domain.VaultAccessToken, bool) {
	t := s.current(vaultUserID)
	if t == nil {
		return domain.VaultAccessToken{}, false
	}
	return *t, true
}

// SetAutoRotation turns background rotation of one user on or off.
func (s *Store) SetAutoRotation(vaultUserID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[vaultUserID]
	if !ok {
		return false
	}
	c := *t
	c.AutoRotationEnabled = enabled
	s.tokens[vaultUserID] = &c
	return true
}

// Remove drops the user's record.
func (s *Store) Remove(vaultUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, vaultUserID)
}

// Clear drops every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*domain.VaultAccessToken)
}

// Stats returns a snapshot of the rotation loop state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.tokens)
	s.mu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := s.stats
	st.Tokens = n
	return st
}

func (s *Store) current(vaultUserID string) *domain.VaultAccessToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[vaultUserID]
}

func (s *Store) decrypt(t *domain.VaultAccessToken) (string, error) {
	raw, err := s.cipher.Decrypt(t.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token of %s: %w", t.UserID, err)
	}
	token := string(raw)
	secret.Wipe(raw)
	return token, nil
}

var _ pool.TokenSource = (*Store)(nil)
