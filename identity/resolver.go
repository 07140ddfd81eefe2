// Package identity turns verified claims into a stable primary identity
// and keeps each identity's alias set up to date.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/keylock"
	"github.com/rs/zerolog/log"
)

// ErrIdentityResolution is returned when the claims carry no usable id.
var ErrIdentityResolution = errors.New("no usable identifier in claims")

// Resolver resolves claims to identities.
type Resolver struct {
	repo  domain.IdentityRepository
	locks *keylock.Map
	clock clock.Clock
}

// NewResolver creates a Resolver over repo.
func NewResolver(repo domain.IdentityRepository, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	return &Resolver{repo: repo, locks: keylock.New(), clock: clk}
}

// Resolve returns the identity the claims belong to, creating it on first
// sight and merging any newly observed aliases into it.
func (r *Resolver) Resolve(ctx context.Context, raw map[string]any) (*domain.Identity, error) {
	claims := ParseClaims(raw)
	primary, source, alternates, ok := claims.IDs()
	if !ok {
		return nil, ErrIdentityResolution
	}

	unlock := r.locks.Lock(primary)
	defer unlock()

	candidates := append([]string{primary}, alternates...)

	existing, err := r.lookup(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return r.merge(ctx, existing, candidates)
	}

	now := r.clock.Now().UTC()
	identity := &domain.Identity{
		PrimaryID:        primary,
		Email:            claims.Email,
		AuthProvider:     authProvider(claims, source),
		SubscriptionTier: claims.SubscriptionTier,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	identity.MergeAlternateIDs(alternates)

	err = r.repo.Create(ctx, identity)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Another process created it between lookup and insert.
		existing, err = r.repo.FindByID(ctx, primary)
		if err != nil {
			return nil, fmt.Errorf("re-read identity %s: %w", primary, err)
		}
		return r.merge(ctx, existing, candidates)
	}
	if err != nil {
		return nil, fmt.Errorf("create identity %s: %w", primary, err)
	}

	log.Ctx(ctx).Info().
		Str("primary_id", primary).
		Str("source", string(source)).
		Int("aliases", len(identity.AlternateIDs)).
		Msg("created identity")

	return identity.Clone(), nil
}

// lookup checks every candidate id against primaries and aliases, in order.
func (r *Resolver) lookup(ctx context.Context, ids []string) (*domain.Identity, error) {
	for _, id := range ids {
		identity, err := r.repo.FindByID(ctx, id)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("lookup identity %s: %w", id, err)
		}
	}
	return nil, nil
}

func (r *Resolver) merge(ctx context.Context, identity *domain.Identity, ids []string) (*domain.Identity, error) {
	var missing []string
	for _, id := range ids {
		if !identity.HasID(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return identity, nil
	}

	updated, err := r.repo.AddAlternateIDs(ctx, identity.PrimaryID, missing)
	if err != nil {
		return nil, fmt.Errorf("merge aliases into %s: %w", identity.PrimaryID, err)
	}

	log.Ctx(ctx).Debug().
		Str("primary_id", identity.PrimaryID).
		Strs("added", missing).
		Msg("merged identity aliases")

	return updated, nil
}

func authProvider(c Claims, source Source) string {
	if c.AuthProvider != "" {
		return c.AuthProvider
	}
	if source == SourceDirect {
		return "email"
	}
	return string(source)
}
