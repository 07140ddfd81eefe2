package domain

import "context"

// RepositoryProvider hands out the durable repositories so the process
// wiring can switch storage backends in one place.
type RepositoryProvider interface {
	IdentityRepository(ctx context.Context) IdentityRepository
	AccountMappingRepository(ctx context.Context) AccountMappingRepository
	// Close releases the underlying storage connection.
	Close(ctx context.Context) error
}
