package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// RepositoryProvider implements domain.RepositoryProvider on MongoDB.
type RepositoryProvider struct {
	client     *mongo.Client
	db         *mongo.Database
	identities *IdentityRepository
	mappings   *AccountMappingRepository
}

// NewRepositoryProvider connects to uri and prepares the repositories of
// database dbName.
func NewRepositoryProvider(ctx context.Context, uri, dbName string) (*RepositoryProvider, error) {
	if dbName == "" {
		return nil, errors.New("mongodb: database name must be provided")
	}

	client, err := Connect(ctx, uri)
	if err != nil {
		return nil, err
	}

	p, err := NewRepositoryProviderFromDatabase(ctx, client.Database(dbName))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	p.client = client
	return p, nil
}

// NewRepositoryProviderFromDatabase builds the repositories on an already
// connected database. Close does not disconnect its client.
func NewRepositoryProviderFromDatabase(ctx context.Context, db *mongo.Database) (*RepositoryProvider, error) {
	identities, err := NewIdentityRepository(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("identity repository: %w", err)
	}
	mappings, err := NewAccountMappingRepository(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("account mapping repository: %w", err)
	}
	return &RepositoryProvider{db: db, identities: identities, mappings: mappings}, nil
}

func (p *RepositoryProvider) IdentityRepository(context.Context) domain.IdentityRepository {
	return p.identities
}

func (p *RepositoryProvider) AccountMappingRepository(context.Context) domain.AccountMappingRepository {
	return p.mappings
}

// Ping checks the primary is reachable.
func (p *RepositoryProvider) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.db.Client().Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client opened by NewRepositoryProvider.
func (p *RepositoryProvider) Close(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	log.Ctx(ctx).Info().Msg("Closing MongoDB connection")
	if err := p.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	return nil
}

var _ domain.RepositoryProvider = (*RepositoryProvider)(nil)
