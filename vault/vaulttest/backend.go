// Package vaulttest provides an in-memory backend vault for tests. It
// enforces session tokens and per-user isolation the way the real service
// does, and lets tests inject outages and revoke sessions.
package vaulttest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/vault"
)

// Operation names accepted by FailNext and Calls.
const (
	OpDial          = "dial"
	OpAuthenticate  = "authenticate"
	OpCreateAccount = "create_account"
	OpDeleteAccount = "delete_account"
	OpCreateSecret  = "create_secret"
	OpGetSecret     = "get_secret"
	OpListSecrets   = "list_secrets"
	OpRotateSecret  = "rotate_secret"
	OpDeleteSecret  = "delete_secret"
	OpHealthCheck   = "health_check"
)

type session struct {
	user      string
	service   bool
	expiresAt time.Time
}

type entry struct {
	value   []byte
	version int
	created time.Time
}

// Backend is a shared in-memory vault. Every Conn dialed from it sees the
// same state.
type Backend struct {
	mu           sync.Mutex
	clock        clock.Clock
	serviceToken string
	tokenTTL     time.Duration

	accounts map[string][]byte
	sessions map[string]session
	secrets  map[string]map[string]*entry

	down     bool
	failNext map[string][]error
	calls    map[string]int
	conns    []*Conn
}

// New creates a Backend that accepts serviceToken as the privileged token
// and issues user sessions valid for tokenTTL of clk time.
func New(clk clock.Clock, serviceToken string, tokenTTL time.Duration) *Backend {
	if clk == nil {
		clk = clock.Real()
	}
	return &Backend{
		clock:        clk,
		serviceToken: serviceToken,
		tokenTTL:     tokenTTL,
		accounts:     make(map[string][]byte),
		sessions: map[string]session{
			serviceToken: {service: true},
		},
		secrets:  make(map[string]map[string]*entry),
		failNext: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetDown makes every call fail with vault.ErrBackendUnavailable.
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// FailNext makes the next call of op return err.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = append(b.failNext[op], err)
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// HasAccount reports whether username exists.
func (b *Backend) HasAccount(username string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.accounts[username]
	return ok
}

// AccountCount returns the number of accounts.
func (b *Backend) AccountCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.accounts)
}

// Password returns a copy of the stored password of username.
func (b *Backend) Password(username string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pw, ok := b.accounts[username]
	return bytes.Clone(pw), ok
}

// RevokeUserSessions invalidates every session of username.
func (b *Backend) RevokeUserSessions(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token, s := range b.sessions {
		if !s.service && s.user == username {
			delete(b.sessions, token)
		}
	}
}

// ValidSession reports whether token is accepted at the current time.
func (b *Backend) ValidSession(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessionLocked(token)
	return ok
}

// OpenConnections returns the number of dialed, not yet closed, Conns.
func (b *Backend) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Dial implements vault.Dialer.
func (b *Backend) Dial(_ context.Context) (vault.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.beginLocked(OpDial); err != nil {
		return nil, err
	}
	c := &Conn{backend: b, id: uuid.NewString()}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *Backend) beginLocked(op string) error {
	b.calls[op]++
	if b.down {
		return fmt.Errorf("%s: %w", op, vault.ErrBackendUnavailable)
	}
	if queued := b.failNext[op]; len(queued) > 0 {
		err := queued[0]
		b.failNext[op] = queued[1:]
		return err
	}
	return nil
}

func (b *Backend) sessionLocked(token string) (session, bool) {
	s, ok := b.sessions[token]
	if !ok {
		return session{}, false
	}
	if !s.service && b.clock.Now().After(s.expiresAt) {
		return session{}, false
	}
	return s, true
}

// Conn is one client connection to a Backend.
type Conn struct {
	backend *Backend
	id      string
	token   string
	closed  bool
}

// ID identifies the connection, so tests can tell whether a pool reused it.
func (c *Conn) ID() string { return c.id }

// Token returns the session token currently set.
func (c *Conn) Token() string {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.token
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.closed
}

// begin locks the backend; callers must unlock it.
func (c *Conn) begin(op string) error {
	c.backend.mu.Lock()
	if c.closed {
		return fmt.Errorf("%s: %w", op, vault.ErrClientClosed)
	}
	return c.backend.beginLocked(op)
}

func (c *Conn) authorize(vaultUserID string, serviceOnly bool) error {
	s, ok := c.backend.sessionLocked(c.token)
	if !ok {
		return vault.ErrPermissionDenied
	}
	if s.service {
		return nil
	}
	if serviceOnly || s.user != vaultUserID {
		return vault.ErrPermissionDenied
	}
	return nil
}

// Authenticate implements vault.Client.
func (c *Conn) Authenticate(_ context.Context, username string, password []byte) (*vault.AuthResult, error) {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpAuthenticate); err != nil {
		return nil, err
	}
	b := c.backend
	stored, ok := b.accounts[username]
	if !ok || !bytes.Equal(stored, password) {
		return nil, fmt.Errorf("userpass login: invalid username or password")
	}
	token := "hvs." + uuid.NewString()
	b.sessions[token] = session{user: username, expiresAt: b.clock.Now().Add(b.tokenTTL)}
	return &vault.AuthResult{Token: token, LeaseDuration: b.tokenTTL}, nil
}

// CreateAccount implements vault.Client.
func (c *Conn) CreateAccount(_ context.Context, username string, password []byte) error {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpCreateAccount); err != nil {
		return err
	}
	if err := c.authorize("", true); err != nil {
		return err
	}
	if _, ok := c.backend.accounts[username]; ok {
		return vault.ErrAccountExists
	}
	c.backend.accounts[username] = bytes.Clone(password)
	return nil
}

// DeleteAccount implements vault.Client.
func (c *Conn) DeleteAccount(_ context.Context, username string) error {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpDeleteAccount); err != nil {
		return err
	}
	if err := c.authorize("", true); err != nil {
		return err
	}
	delete(c.backend.accounts, username)
	delete(c.backend.secrets, username)
	return nil
}

// CreateSecret implements vault.Client. Writing an existing name adds a version.
func (c *Conn) CreateSecret(_ context.Context, vaultUserID, name string, value []byte) (*vault.SecretMetadata, error) {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpCreateSecret); err != nil {
		return nil, err
	}
	if err := c.authorize(vaultUserID, false); err != nil {
		return nil, err
	}
	return c.putLocked(vaultUserID, name, value), nil
}

// RotateSecret implements vault.Client.
func (c *Conn) RotateSecret(_ context.Context, vaultUserID, name string, value []byte) (*vault.SecretMetadata, error) {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpRotateSecret); err != nil {
		return nil, err
	}
	if err := c.authorize(vaultUserID, false); err != nil {
		return nil, err
	}
	if _, ok := c.backend.secrets[vaultUserID][name]; !ok {
		return nil, vault.ErrSecretNotFound
	}
	return c.putLocked(vaultUserID, name, value), nil
}

func (c *Conn) putLocked(vaultUserID, name string, value []byte) *vault.SecretMetadata {
	b := c.backend
	user, ok := b.secrets[vaultUserID]
	if !ok {
		user = make(map[string]*entry)
		b.secrets[vaultUserID] = user
	}
	e, ok := user[name]
	if !ok {
		e = &entry{}
		user[name] = e
	}
	e.value = bytes.Clone(value)
	e.version++
	e.created = b.clock.Now()
	return &vault.SecretMetadata{Name: name, Version: e.version, CreatedAt: e.created}
}

// GetSecret implements vault.Client.
func (c *Conn) GetSecret(_ context.Context, vaultUserID, name string) ([]byte, *vault.SecretMetadata, error) {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpGetSecret); err != nil {
		return nil, nil, err
	}
	if err := c.authorize(vaultUserID, false); err != nil {
		return nil, nil, err
	}
	e, ok := c.backend.secrets[vaultUserID][name]
	if !ok {
		return nil, nil, vault.ErrSecretNotFound
	}
	return bytes.Clone(e.value), &vault.SecretMetadata{Name: name, Version: e.version, CreatedAt: e.created}, nil
}

// ListSecrets implements vault.Client.
func (c *Conn) ListSecrets(_ context.Context, vaultUserID string) ([]string, error) {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpListSecrets); err != nil {
		return nil, err
	}
	if err := c.authorize(vaultUserID, false); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.backend.secrets[vaultUserID]))
	for name := range c.backend.secrets[vaultUserID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSecret implements vault.Client.
func (c *Conn) DeleteSecret(_ context.Context, vaultUserID, name string) (bool, error) {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpDeleteSecret); err != nil {
		return false, err
	}
	if err := c.authorize(vaultUserID, false); err != nil {
		return false, err
	}
	if _, ok := c.backend.secrets[vaultUserID][name]; !ok {
		return false, nil
	}
	delete(c.backend.secrets[vaultUserID], name)
	return true, nil
}

// HealthCheck implements vault.Client.
func (c *Conn) HealthCheck(_ context.Context) error {
	defer c.backend.mu.Unlock()
	if err := c.begin(OpHealthCheck); err != nil {
		return err
	}
	if c.token == "" {
		return nil
	}
	if _, ok := c.backend.sessionLocked(c.token); !ok {
		return vault.ErrPermissionDenied
	}
	return nil
}

// SetToken implements vault.Client.
func (c *Conn) SetToken(token string) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.token = token
}

// Close implements vault.Client.
func (c *Conn) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.closed = true
	return nil
}

var (
	_ vault.Dialer = (*Backend)(nil)
	_ vault.Client = (*Conn)(nil)
)
