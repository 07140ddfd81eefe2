package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AccountMappingRepository implements domain.AccountMappingRepository.
type AccountMappingRepository struct {
	mappings *mongo.Collection
}

// NewAccountMappingRepository creates an AccountMappingRepository and
// ensures its indexes.
func NewAccountMappingRepository(ctx context.Context, db *mongo.Database) (*AccountMappingRepository, error) {
	repo := &AccountMappingRepository{mappings: db.Collection(MappingsCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create account mapping indexes")
	}
	return repo, nil
}

func (r *AccountMappingRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "vault_user_id", Value: 1}},
			Options: options.Index().SetName("vault_user_id").SetUnique(true),
		},
	}
	if _, err := r.mappings.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes for mappings collection: %w", err)
	}
	return nil
}

func (r *AccountMappingRepository) findOne(ctx context.Context, filter bson.M) (*domain.VaultAccountMapping, error) {
	var mapping domain.VaultAccountMapping
	err := r.mappings.FindOne(ctx, filter).Decode(&mapping)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Interface("filter", filter).Msg("Error getting account mapping from MongoDB")
		return nil, err
	}
	return &mapping, nil
}

// Get returns the mapping of primaryID.
func (r *AccountMappingRepository) Get(ctx context.Context, primaryID string) (*domain.VaultAccountMapping, error) {
	return r.findOne(ctx, bson.M{"_id": primaryID})
}

// GetByVaultUserID returns the mapping owning vaultUserID.
func (r *AccountMappingRepository) GetByVaultUserID(ctx context.Context, vaultUserID string) (*domain.VaultAccountMapping, error) {
	return r.findOne(ctx, bson.M{"vault_user_id": vaultUserID})
}

// Create inserts mapping. The unique _id and vault_user_id indexes make
// it a compare-and-swap across broker processes.
func (r *AccountMappingRepository) Create(ctx context.Context, mapping *domain.VaultAccountMapping) error {
	if _, err := r.mappings.InsertOne(ctx, mapping); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		log.Error().Err(err).Str("primary_id", mapping.PrimaryID).Msg("Error creating account mapping in MongoDB")
		return err
	}
	return nil
}

// Touch moves last_used forward to at. It never moves it backwards.
func (r *AccountMappingRepository) Touch(ctx context.Context, primaryID string, at time.Time) error {
	return r.update(ctx, primaryID, bson.M{"$max": bson.M{"last_used": at}})
}

// CompleteSetup records the setup proof hash and completion time.
func (r *AccountMappingRepository) CompleteSetup(ctx context.Context, primaryID, proofHash string, at time.Time) error {
	return r.update(ctx, primaryID, bson.M{"$set": bson.M{
		"setup_proof_hash":   proofHash,
		"setup_completed_at": at,
	}})
}

func (r *AccountMappingRepository) update(ctx context.Context, primaryID string, update bson.M) error {
	result, err := r.mappings.UpdateOne(ctx, bson.M{"_id": primaryID}, update)
	if err != nil {
		log.Error().Err(err).Str("primary_id", primaryID).Msg("Error updating account mapping in MongoDB")
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.AccountMappingRepository = (*AccountMappingRepository)(nil)
