// Package broker is the secret operations facade. It resolves identities,
// provisions backend vault accounts, issues short-lived tokens and runs
// secret CRUD against the backend on each user's behalf.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pilab-dev/shadow-vault/accesstoken"
	"github.com/pilab-dev/shadow-vault/cache"
	"github.com/pilab-dev/shadow-vault/claims"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/identity"
	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/pilab-dev/shadow-vault/log"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/pilab-dev/shadow-vault/provisioner"
	"github.com/pilab-dev/shadow-vault/token"
	"github.com/pilab-dev/shadow-vault/tracing"
	"github.com/pilab-dev/shadow-vault/vault"
	"go.opentelemetry.io/otel/trace"
)

// signingKeyInfo binds the derived token signing key to its purpose.
const signingKeyInfo = "shadow-vault token signing v1"

// Options wires a Broker. Repositories, TokenStore, Dialer and MasterKey
// are required.
type Options struct {
	Repositories domain.RepositoryProvider
	TokenStore   cache.TokenStore
	Dialer       vault.Dialer

	// MasterKey encrypts vault credentials and access tokens at rest.
	MasterKey []byte
	// TokenSigningKey signs short-lived tokens. Derived from MasterKey
	// when empty.
	TokenSigningKey []byte

	Tokens       token.Config
	Pool         pool.Config
	AccessTokens accesstoken.Config

	Validator   KeyValidator
	ProofHasher *auth.ProofHasher
	// Verifier turns bearer JWTs into claims for VerifyClaims. Optional.
	Verifier    claims.Verifier
	Logger      log.Logger
	Clock       clock.Clock
}

// Broker implements the externally facing operations.
type Broker struct {
	resolver     *identity.Resolver
	provisioner  *provisioner.Provisioner
	codec        *token.Codec
	accessTokens *accesstoken.Store
	pool         *pool.Pool
	validator    KeyValidator
	verifier     claims.Verifier
	logger       log.Logger
	clock        clock.Clock
	tracer       trace.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	running bool
}

// New builds a Broker and its components.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.Repositories == nil || opts.TokenStore == nil || opts.Dialer == nil {
		return nil, errors.New("broker: repositories, token store and dialer are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Validator == nil {
		opts.Validator = DefaultValidator()
	}

	cipher, err := crypto.NewCipher(opts.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("broker: master key: %w", err)
	}

	signingKey := opts.TokenSigningKey
	if len(signingKey) == 0 {
		signingKey, err = crypto.DeriveKey(opts.MasterKey, signingKeyInfo, crypto.KeySize)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
	}
	tokenCfg := opts.Tokens
	tokenCfg.SigningKey = signingKey
	codec, err := token.NewCodec(opts.TokenStore, tokenCfg, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	connPool := pool.New(opts.Dialer, nil, opts.Pool, opts.Clock)
	prov := provisioner.New(opts.Repositories.AccountMappingRepository(ctx), connPool, cipher, opts.ProofHasher, opts.Clock)
	store := accesstoken.New(cipher, prov, connPool, opts.AccessTokens, opts.Clock)
	connPool.SetTokenSource(store)
	store.OnRotate(connPool.UpdateToken)

	return &Broker{
		resolver:     identity.NewResolver(opts.Repositories.IdentityRepository(ctx), opts.Clock),
		provisioner:  prov,
		codec:        codec,
		accessTokens: store,
		pool:         connPool,
		validator:    opts.Validator,
		verifier:     opts.Verifier,
		logger:       opts.Logger,
		clock:        opts.Clock,
		tracer:       tracing.Tracer(),
	}, nil
}

// Start launches the token sweep, the access token rotation loop and the
// connection pool sweep. They stop on Shutdown or when ctx is done.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true

	for _, loop := range []func(context.Context){b.codec.Start, b.accessTokens.Start, b.pool.Start} {
		b.loops.Add(1)
		go func(run func(context.Context)) {
			defer b.loops.Done()
			run(ctx)
		}(loop)
	}
	b.logger.Info(ctx, "background loops started")
}

// Shutdown stops the background loops, closes every pooled connection and
// clears the in-memory token caches. Identity and mapping data is kept.
// It returns ctx.Err() if the loops did not stop in time.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.running = false
	b.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			b.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			b.logger.Warn(ctx, "background loops did not stop before the shutdown deadline")
		}
	}

	b.pool.Close(ctx)
	b.accessTokens.Clear()
	if clearErr := b.codec.Clear(ctx); clearErr != nil {
		b.logger.Warn(ctx, "failed to clear token store", map[string]interface{}{"error": clearErr.Error()})
	}

	b.logger.Info(ctx, "broker shut down")
	return err
}

// Running reports whether the background loops are running.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

