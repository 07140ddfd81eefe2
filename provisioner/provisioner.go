// Package provisioner creates backend vault accounts for identities and
// keeps their credentials encrypted at rest.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/pilab-dev/shadow-vault/internal/metrics"
	"github.com/pilab-dev/shadow-vault/internal/secret"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrAccountProvisioning is returned when the backend account could not be
// created. The caller may retry.
var ErrAccountProvisioning = errors.New("account provisioning failed")

// ConnectionSource runs calls on pooled backend connections.
type ConnectionSource interface {
	Do(ctx context.Context, scope string, fn func(*pool.Conn) error) error
}

// provisionTimeout bounds one shared provisioning attempt. The attempt is
// detached from any single caller's context.
const provisionTimeout = 30 * time.Second

// Provisioner maps identities to backend vault accounts.
type Provisioner struct {
	mappings domain.AccountMappingRepository
	conns    ConnectionSource
	cipher   *crypto.Cipher
	hasher   *auth.ProofHasher
	clock    clock.Clock
	group    singleflight.Group
}

// New creates a Provisioner. hasher may be nil for the default bcrypt cost.
func New(mappings domain.AccountMappingRepository, conns ConnectionSource, cipher *crypto.Cipher, hasher *auth.ProofHasher, clk clock.Clock) *Provisioner {
	if clk == nil {
		clk = clock.Real()
	}
	if hasher == nil {
		hasher = auth.NewProofHasher(0)
	}
	return &Provisioner{
		mappings: mappings,
		conns:    conns,
		cipher:   cipher,
		hasher:   hasher,
		clock:    clk,
	}
}

// GetOrCreate returns the identity's mapping, creating the backend account
// on first use. Concurrent calls for one identity share a single
// provisioning attempt. created is true only for the caller whose call
// produced the account.
func (p *Provisioner) GetOrCreate(ctx context.Context, identity *domain.Identity) (_ *domain.VaultAccountMapping, created bool, err error) {
	if m, err := p.lookup(ctx, identity.PrimaryID); err != nil || m != nil {
		return m, false, err
	}

	ch := p.group.DoChan(identity.PrimaryID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
		defer cancel()

		// The first flight may have finished just before this one started.
		if m, err := p.lookup(flightCtx, identity.PrimaryID); err != nil || m != nil {
			return result{mapping: m}, err
		}
		return p.provision(flightCtx, identity.PrimaryID)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(result)
		return r.mapping.Clone(), r.created && !res.Shared, nil
	}
}

type result struct {
	mapping *domain.VaultAccountMapping
	created bool
}

// lookup returns (nil, nil) when no mapping exists and refreshes lastUsed
// when one does.
func (p *Provisioner) lookup(ctx context.Context, primaryID string) (*domain.VaultAccountMapping, error) {
	m, err := p.mappings.Get(ctx, primaryID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account mapping: %w", err)
	}

	now := p.clock.Now()
	if err := p.mappings.Touch(ctx, primaryID, now); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("primary_id", primaryID).Msg("failed to refresh mapping last_used")
	} else if now.After(m.LastUsed) {
		m.LastUsed = now
	}
	return m, nil
}

func (p *Provisioner) provision(ctx context.Context, primaryID string) (result, error) {
	vaultUserID := uuid.NewString()

	cred, err := crypto.GenerateCredential(crypto.MinCredentialBytes)
	if err != nil {
		return result{}, fmt.Errorf("failed to generate vault credential: %w", err)
	}
	defer cred.Close()

	err = p.conns.Do(ctx, domain.ServiceScope, func(conn *pool.Conn) error {
		return conn.CreateAccount(ctx, vaultUserID, cred.Bytes())
	})
	if err != nil {
		metrics.ProvisioningFailuresTotal.Inc()
		return result{}, fmt.Errorf("%w: create vault account for %s: %w", ErrAccountProvisioning, primaryID, err)
	}

	encrypted, err := p.cipher.Encrypt(cred.Bytes())
	if err != nil {
		p.rollback(ctx, vaultUserID)
		metrics.ProvisioningFailuresTotal.Inc()
		return result{}, fmt.Errorf("failed to encrypt vault credential: %w", err)
	}

	now := p.clock.Now()
	mapping := &domain.VaultAccountMapping{
		PrimaryID:                primaryID,
		VaultUserID:              vaultUserID,
		EncryptedVaultCredential: encrypted,
		CreatedAt:                now,
		LastUsed:                 now,
		IsProvisioned:            true,
	}

	switch err := p.mappings.Create(ctx, mapping); {
	case errors.Is(err, domain.ErrAlreadyExists):
		// Another process provisioned the same identity first.
		p.rollback(ctx, vaultUserID)
		existing, err := p.mappings.Get(ctx, primaryID)
		if err != nil {
			return result{}, fmt.Errorf("failed to load winning account mapping: %w", err)
		}
		return result{mapping: existing}, nil
	case err != nil:
		p.rollback(ctx, vaultUserID)
		metrics.ProvisioningFailuresTotal.Inc()
		return result{}, fmt.Errorf("failed to store account mapping: %w", err)
	}

	metrics.AccountsProvisionedTotal.Inc()
	log.Ctx(ctx).Info().
		Str("primary_id", primaryID).
		Str("vault_user_id", vaultUserID).
		Msg("provisioned vault account")

	return result{mapping: mapping, created: true}, nil
}

// rollback deletes an orphaned backend account, best effort.
func (p *Provisioner) rollback(ctx context.Context, vaultUserID string) {
	ctx = context.WithoutCancel(ctx)
	err := p.conns.Do(ctx, domain.ServiceScope, func(conn *pool.Conn) error {
		return conn.DeleteAccount(ctx, vaultUserID)
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("vault_user_id", vaultUserID).Msg("failed to delete orphaned vault account")
	}
}

// Mapping returns the mapping of primaryID without creating one.
func (p *Provisioner) Mapping(ctx context.Context, primaryID string) (*domain.VaultAccountMapping, error) {
	return p.mappings.Get(ctx, primaryID)
}

// CompleteSetup records the hashed setup proof of primaryID's account.
func (p *Provisioner) CompleteSetup(ctx context.Context, primaryID string, proof []byte) error {
	hash, err := p.hasher.Hash(proof)
	if err != nil {
		return err
	}
	if err := p.mappings.CompleteSetup(ctx, primaryID, hash, p.clock.Now()); err != nil {
		return fmt.Errorf("failed to record setup completion: %w", err)
	}
	return nil
}

// Credential decrypts the vault credential of vaultUserID into a
// scrubbable buffer. The caller closes it.
func (p *Provisioner) Credential(ctx context.Context, vaultUserID string) (*secret.Buffer, error) {
	m, err := p.mappings.GetByVaultUserID(ctx, vaultUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account mapping of %s: %w", vaultUserID, err)
	}

	raw, err := p.cipher.Decrypt(m.EncryptedVaultCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt vault credential of %s: %w", vaultUserID, err)
	}
	return secret.NewFromBytes(raw)
}
