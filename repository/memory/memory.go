// Package memory provides process-local repositories for identities and
// vault account mappings. They back tests and single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
)

// IdentityRepository keeps identities keyed by primary id with an alias
// index so lookups by alternate id do not scan.
type IdentityRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.Identity
	aliases map[string]string // alternate id -> primary id
}

// NewIdentityRepository creates an empty IdentityRepository.
func NewIdentityRepository() *IdentityRepository {
	return &IdentityRepository{
		byID:    make(map[string]*domain.Identity),
		aliases: make(map[string]string),
	}
}

// FindByID implements domain.IdentityRepository.
func (r *IdentityRepository) FindByID(_ context.Context, id string) (*domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if identity, ok := r.byID[id]; ok {
		return identity.Clone(), nil
	}
	if primary, ok := r.aliases[id]; ok {
		return r.byID[primary].Clone(), nil
	}
	return nil, domain.ErrNotFound
}

// Create implements domain.IdentityRepository.
func (r *IdentityRepository) Create(_ context.Context, identity *domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[identity.PrimaryID]; ok {
		return domain.ErrAlreadyExists
	}
	stored := identity.Clone()
	r.byID[stored.PrimaryID] = stored
	for _, alias := range stored.AlternateIDs {
		if _, taken := r.aliases[alias]; !taken {
			r.aliases[alias] = stored.PrimaryID
		}
	}
	return nil
}

// AddAlternateIDs implements domain.IdentityRepository.
func (r *IdentityRepository) AddAlternateIDs(_ context.Context, primaryID string, ids []string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[primaryID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	added := stored.MergeAlternateIDs(ids)
	if len(added) > 0 {
		stored.UpdatedAt = time.Now().UTC()
	}
	for _, alias := range added {
		if _, taken := r.aliases[alias]; !taken {
			r.aliases[alias] = primaryID
		}
	}
	return stored.Clone(), nil
}

// Count returns the number of stored identities.
func (r *IdentityRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// AccountMappingRepository keeps vault account mappings keyed by primary id.
type AccountMappingRepository struct {
	mu          sync.RWMutex
	byPrimary   map[string]*domain.VaultAccountMapping
	byVaultUser map[string]string
}

// NewAccountMappingRepository creates an empty AccountMappingRepository.
func NewAccountMappingRepository() *AccountMappingRepository {
	return &AccountMappingRepository{
		byPrimary:   make(map[string]*domain.VaultAccountMapping),
		byVaultUser: make(map[string]string),
	}
}

// Get implements domain.AccountMappingRepository.
func (r *AccountMappingRepository) Get(_ context.Context, primaryID string) (*domain.VaultAccountMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byPrimary[primaryID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.Clone(), nil
}

// GetByVaultUserID implements domain.AccountMappingRepository.
func (r *AccountMappingRepository) GetByVaultUserID(_ context.Context, vaultUserID string) (*domain.VaultAccountMapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary, ok := r.byVaultUser[vaultUserID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.byPrimary[primary].Clone(), nil
}

// Create implements domain.AccountMappingRepository.
func (r *AccountMappingRepository) Create(_ context.Context, mapping *domain.VaultAccountMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPrimary[mapping.PrimaryID]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := r.byVaultUser[mapping.VaultUserID]; ok {
		return domain.ErrAlreadyExists
	}
	r.byPrimary[mapping.PrimaryID] = mapping.Clone()
	r.byVaultUser[mapping.VaultUserID] = mapping.PrimaryID
	return nil
}

// Touch implements domain.AccountMappingRepository.
func (r *AccountMappingRepository) Touch(_ context.Context, primaryID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byPrimary[primaryID]
	if !ok {
		return domain.ErrNotFound
	}
	if at.After(m.LastUsed) {
		m.LastUsed = at
	}
	return nil
}

// CompleteSetup implements domain.AccountMappingRepository.
func (r *AccountMappingRepository) CompleteSetup(_ context.Context, primaryID, proofHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byPrimary[primaryID]
	if !ok {
		return domain.ErrNotFound
	}
	m.SetupProofHash = proofHash
	completed := at
	m.SetupCompletedAt = &completed
	return nil
}

// All returns a copy of every stored mapping.
func (r *AccountMappingRepository) All() []*domain.VaultAccountMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.VaultAccountMapping, 0, len(r.byPrimary))
	for _, m := range r.byPrimary {
		out = append(out, m.Clone())
	}
	return out
}

// Provider is a domain.RepositoryProvider over the in-memory repositories.
type Provider struct {
	Identities *IdentityRepository
	Mappings   *AccountMappingRepository
}

// NewProvider creates a Provider with empty repositories.
func NewProvider() *Provider {
	return &Provider{
		Identities: NewIdentityRepository(),
		Mappings:   NewAccountMappingRepository(),
	}
}

func (p *Provider) IdentityRepository(context.Context) domain.IdentityRepository { return p.Identities }

func (p *Provider) AccountMappingRepository(context.Context) domain.AccountMappingRepository {
	return p.Mappings
}

func (p *Provider) Close(context.Context) error { return nil }

var (
	_ domain.IdentityRepository       = (*IdentityRepository)(nil)
	_ domain.AccountMappingRepository = (*AccountMappingRepository)(nil)
	_ domain.RepositoryProvider       = (*Provider)(nil)
)
