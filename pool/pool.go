// Package pool caches authenticated backend vault connections, one per
// active user plus one shared service connection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/keylock"
	"github.com/pilab-dev/shadow-vault/internal/metrics"
	"github.com/pilab-dev/shadow-vault/vault"
	"github.com/rs/zerolog/log"
)

var (
	// ErrConnectionUnhealthy marks a failure caused by a bad pooled
	// connection; callers evict and retry once with a fresh one.
	ErrConnectionUnhealthy = errors.New("pooled connection unhealthy")
	ErrClosed              = errors.New("connection pool closed")
)

// Defaults for Config.
const (
	DefaultSweepInterval   = 30 * time.Minute
	DefaultIdleEviction    = 60 * time.Minute
	DefaultRevalidateAfter = 30 * time.Minute
	DefaultSessionTTL      = 45 * time.Minute
)

// TokenSource supplies the current backend session token of a user.
type TokenSource interface {
	AccessToken(ctx context.Context, vaultUserID string) (string, error)
}

// Config configures a Pool.
type Config struct {
	ServiceToken    string
	SweepInterval   time.Duration
	IdleEviction    time.Duration
	RevalidateAfter time.Duration
	// SessionTTL bounds how long a connection is trusted after its session
	// started, matching the backend's own session timeout.
	SessionTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = DefaultIdleEviction
	}
	if c.RevalidateAfter <= 0 {
		c.RevalidateAfter = DefaultRevalidateAfter
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	return c
}

// Conn is a pooled connection handed to callers. It must not be closed by
// them; the pool owns its lifecycle.
type Conn struct {
	vault.Client
	ID    string
	Scope string
}

type entry struct {
	conn      *Conn
	createdAt time.Time
	lastUsed  time.Time
	healthy   bool
}

// Pool is a keyed cache of backend connections.
type Pool struct {
	dialer vault.Dialer
	tokens TokenSource
	cfg    Config
	clock  clock.Clock
	locks  *keylock.Map

	mu     sync.RWMutex
	conns  map[string]*entry
	closed bool

	statsMu   sync.Mutex
	lastSweep time.Time
}

// New creates a Pool. tokens may be set later with SetTokenSource when
// the token source itself depends on the pool.
func New(dialer vault.Dialer, tokens TokenSource, cfg Config, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.Real()
	}
	return &Pool{
		dialer: dialer,
		tokens: tokens,
		cfg:    cfg.withDefaults(),
		clock:  clk,
		locks:  keylock.New(),
		conns:  make(map[string]*entry),
	}
}

// SetTokenSource sets the source of user session tokens.
func (p *Pool) SetTokenSource(tokens TokenSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = tokens
}

// Get returns a healthy connection for scope, which is a vault user id or
// domain.ServiceScope. A cached connection is health checked before reuse
// and replaced when unhealthy or past the session window.
func (p *Pool) Get(ctx context.Context, scope string) (*Conn, error) {
	unlock := p.locks.Lock(scope)
	defer unlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	if e := p.lookup(scope); e != nil {
		if conn, ok := p.reuse(ctx, scope, e); ok {
			return conn, nil
		}
	}

	return p.create(ctx, scope)
}

// reuse decides whether a cached entry can be handed out, evicting it if not.
func (p *Pool) reuse(ctx context.Context, scope string, e *entry) (*Conn, bool) {
	p.mu.RLock()
	healthy, createdAt := e.healthy, e.createdAt
	p.mu.RUnlock()

	now := p.clock.Now()
	switch {
	case !healthy:
		p.evictEntry(ctx, scope, e, "unhealthy")
		return nil, false
	case now.Sub(createdAt) >= p.cfg.SessionTTL:
		p.evictEntry(ctx, scope, e, "session_expired")
		return nil, false
	}

	if err := e.conn.HealthCheck(ctx); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("scope", scope).Msg("pooled connection failed health check")
		p.evictEntry(ctx, scope, e, "unhealthy")
		return nil, false
	}

	p.mu.Lock()
	e.lastUsed = p.clock.Now()
	p.mu.Unlock()
	return e.conn, true
}

func (p *Pool) create(ctx context.Context, scope string) (*Conn, error) {
	token, err := p.sessionToken(ctx, scope)
	if err != nil {
		return nil, err
	}

	client, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial backend vault: %w", err)
	}
	client.SetToken(token)

	now := p.clock.Now()
	e := &entry{
		conn:      &Conn{Client: client, ID: uuid.NewString(), Scope: scope},
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.Close()
		return nil, ErrClosed
	}
	p.conns[scope] = e
	size := len(p.conns)
	p.mu.Unlock()

	metrics.PoolConnectionsCreatedTotal.WithLabelValues(scopeLabel(scope)).Inc()
	metrics.PoolConnectionsGauge.Set(float64(size))
	log.Ctx(ctx).Debug().Str("scope", scope).Str("conn_id", e.conn.ID).Msg("created backend connection")

	return e.conn, nil
}

func (p *Pool) sessionToken(ctx context.Context, scope string) (string, error) {
	if scope == domain.ServiceScope {
		return p.cfg.ServiceToken, nil
	}

	p.mu.RLock()
	tokens := p.tokens
	p.mu.RUnlock()
	if tokens == nil {
		return "", fmt.Errorf("no token source for user connections")
	}

	token, err := tokens.AccessToken(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("session token for %s: %w", scope, err)
	}
	return token, nil
}

// Evict closes and removes the connection of scope, if any.
func (p *Pool) Evict(ctx context.Context, scope string) {
	unlock := p.locks.Lock(scope)
	defer unlock()

	if e := p.lookup(scope); e != nil {
		p.evictEntry(ctx, scope, e, "explicit")
	}
}

// Do runs fn on the connection of scope. When the connection turns out to
// be closed underneath fn, it is evicted and fn runs once more on a fresh
// one. A second failure of that kind is returned as ErrConnectionUnhealthy.
func (p *Pool) Do(ctx context.Context, scope string, fn func(*Conn) error) error {
	conn, err := p.Get(ctx, scope)
	if err != nil {
		return err
	}

	err = fn(conn)
	if !errors.Is(err, vault.ErrClientClosed) {
		return err
	}

	log.Ctx(ctx).Debug().Err(err).Str("scope", scope).Str("conn_id", conn.ID).Msg("pooled connection closed, retrying on a fresh one")
	p.evictConn(ctx, scope, conn, "closed")

	conn, err = p.Get(ctx, scope)
	if err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		if errors.Is(err, vault.ErrClientClosed) {
			p.evictConn(ctx, scope, conn, "closed")
			return fmt.Errorf("%w: %w", ErrConnectionUnhealthy, err)
		}
		return err
	}
	return nil
}

// evictConn evicts the entry of scope only while it still holds conn.
func (p *Pool) evictConn(ctx context.Context, scope string, conn *Conn, reason string) {
	unlock := p.locks.Lock(scope)
	defer unlock()

	if e := p.lookup(scope); e != nil && e.conn == conn {
		p.evictEntry(ctx, scope, e, reason)
	}
}

// UpdateToken swaps the session token of a cached user connection in
// place after a rotation. It runs inside Get's token lookup for the same
// scope, so it must not take the scope lock.
func (p *Pool) UpdateToken(scope, token string) {
	p.mu.Lock()
	e, ok := p.conns[scope]
	if ok {
		e.createdAt = p.clock.Now()
		e.healthy = true
	}
	p.mu.Unlock()

	if ok {
		e.conn.SetToken(token)
	}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Evicted         int
	Revalidated     int
	MarkedUnhealthy int
}

// Sweep closes connections idle past the eviction threshold and health
// checks those idle past the revalidation threshold. Unhealthy ones are
// only marked, and replaced on their next use. Each entry is re-checked
// under its scope lock, so a connection reused by Get meanwhile is kept.
func (p *Pool) Sweep(ctx context.Context) SweepResult {
	type candidate struct {
		scope string
		e     *entry
		idle  time.Duration
	}

	now := p.clock.Now()
	p.mu.RLock()
	candidates := make([]candidate, 0, len(p.conns))
	for scope, e := range p.conns {
		candidates = append(candidates, candidate{scope: scope, e: e, idle: now.Sub(e.lastUsed)})
	}
	p.mu.RUnlock()

	var res SweepResult
	for _, c := range candidates {
		switch {
		case c.idle > p.cfg.IdleEviction:
			if p.evictIdle(ctx, c.scope, c.e) {
				res.Evicted++
			}
		case c.idle > p.cfg.RevalidateAfter:
			checked, unhealthy := p.revalidate(ctx, c.scope, c.e)
			if checked {
				res.Revalidated++
			}
			if unhealthy {
				res.MarkedUnhealthy++
			}
		}
	}

	p.statsMu.Lock()
	p.lastSweep = now
	p.statsMu.Unlock()

	return res
}

// stillIdle reports whether e is still the entry of scope and has been idle
// longer than limit. Callers hold the scope lock.
func (p *Pool) stillIdle(scope string, e *entry, limit time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	current, ok := p.conns[scope]
	return ok && current == e && p.clock.Now().Sub(e.lastUsed) > limit
}

func (p *Pool) evictIdle(ctx context.Context, scope string, e *entry) bool {
	unlock := p.locks.Lock(scope)
	defer unlock()

	if !p.stillIdle(scope, e, p.cfg.IdleEviction) {
		return false
	}
	return p.evictEntry(ctx, scope, e, "idle")
}

func (p *Pool) revalidate(ctx context.Context, scope string, e *entry) (checked, unhealthy bool) {
	unlock := p.locks.Lock(scope)
	defer unlock()

	if !p.stillIdle(scope, e, p.cfg.RevalidateAfter) {
		return false, false
	}
	if err := e.conn.HealthCheck(ctx); err != nil {
		p.mu.Lock()
		e.healthy = false
		p.mu.Unlock()
		log.Ctx(ctx).Debug().Err(err).Str("scope", scope).Msg("idle connection marked unhealthy")
		return true, true
	}
	return true, false
}

// Start runs Sweep every sweep interval until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := p.Sweep(ctx)
			if res.Evicted > 0 || res.MarkedUnhealthy > 0 {
				log.Ctx(ctx).Info().
					Int("evicted", res.Evicted).
					Int("revalidated", res.Revalidated).
					Int("unhealthy", res.MarkedUnhealthy).
					Msg("connection pool sweep")
			}
		}
	}
}

// Stats describes the pool for health reporting.
type Stats struct {
	Size        int
	Connections []domain.ConnectionInfo
	LastSweep   time.Time
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	infos := make([]domain.ConnectionInfo, 0, len(p.conns))
	for scope, e := range p.conns {
		infos = append(infos, domain.ConnectionInfo{
			ID:        e.conn.ID,
			Scope:     scopeLabel(scope),
			CreatedAt: e.createdAt,
			LastUsed:  e.lastUsed,
			IsHealthy: e.healthy,
		})
	}
	p.mu.RUnlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Stats{Size: len(infos), Connections: infos, LastSweep: p.lastSweep}
}

// Close closes every connection, ignoring individual close errors, and
// refuses further Gets.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*entry)
	p.closed = true
	p.mu.Unlock()

	for scope, e := range conns {
		if err := e.conn.Close(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("scope", scope).Msg("failed to close backend connection")
		}
	}
	metrics.PoolConnectionsGauge.Set(0)
}

func (p *Pool) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *Pool) lookup(scope string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[scope]
}

// evictEntry removes e if it is still the entry for scope. Callers hold
// the scope lock.
func (p *Pool) evictEntry(ctx context.Context, scope string, e *entry, reason string) bool {
	p.mu.Lock()
	current, ok := p.conns[scope]
	if !ok || current != e {
		p.mu.Unlock()
		return false
	}
	delete(p.conns, scope)
	size := len(p.conns)
	p.mu.Unlock()

	if err := e.conn.Close(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("scope", scope).Msg("failed to close evicted connection")
	}
	metrics.PoolEvictionsTotal.WithLabelValues(reason).Inc()
	metrics.PoolConnectionsGauge.Set(float64(size))
	return true
}

// scopeLabel keeps user ids out of metric labels.
func scopeLabel(scope string) string {
	if scope == domain.ServiceScope {
		return domain.ServiceScope
	}
	return "user"
}
