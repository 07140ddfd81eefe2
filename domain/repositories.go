package domain

import (
	"context"
	"time"
)

// IdentityRepository stores identities. Implementations return copies;
// callers never hold a handle into the store.
type IdentityRepository interface {
	// FindByID looks id up as a primary id first, then as an alias.
	FindByID(ctx context.Context, id string) (*Identity, error)
	// Create inserts a new identity, failing with ErrAlreadyExists when the
	// primary id is taken.
	Create(ctx context.Context, identity *Identity) error
	// AddAlternateIDs merges ids into the stored alias set and returns the
	// updated identity.
	AddAlternateIDs(ctx context.Context, primaryID string, ids []string) (*Identity, error)
}

// AccountMappingRepository stores vault account mappings, one per primary id.
type AccountMappingRepository interface {
	Get(ctx context.Context, primaryID string) (*VaultAccountMapping, error)
	GetByVaultUserID(ctx context.Context, vaultUserID string) (*VaultAccountMapping, error)
	// Create inserts a mapping, failing with ErrAlreadyExists when one
	// already exists for the primary id.
	Create(ctx context.Context, mapping *VaultAccountMapping) error
	Touch(ctx context.Context, primaryID string, at time.Time) error
	CompleteSetup(ctx context.Context, primaryID, proofHash string, at time.Time) error
}
