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

// IdentityRepository implements domain.IdentityRepository.
type IdentityRepository struct {
	identities *mongo.Collection
}

// NewIdentityRepository creates an IdentityRepository and ensures its
// indexes.
func NewIdentityRepository(ctx context.Context, db *mongo.Database) (*IdentityRepository, error) {
	repo := &IdentityRepository{identities: db.Collection(IdentitiesCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to create identity indexes")
	}
	return repo, nil
}

func (r *IdentityRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "alternate_ids", Value: 1}},
			Options: options.Index().SetName("alternate_ids"),
		},
	}
	if _, err := r.identities.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes for identities collection: %w", err)
	}
	return nil
}

// FindByID looks id up as a primary id, then as an alias.
func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*domain.Identity, error) {
	for _, filter := range []bson.M{{"_id": id}, {"alternate_ids": id}} {
		var identity domain.Identity
		err := r.identities.FindOne(ctx, filter).Decode(&identity)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("Error finding identity in MongoDB")
			return nil, err
		}
		return &identity, nil
	}
	return nil, domain.ErrNotFound
}

// Create inserts identity.
func (r *IdentityRepository) Create(ctx context.Context, identity *domain.Identity) error {
	doc := identity.Clone()
	if doc.AlternateIDs == nil {
		// $addToSet needs an array to extend.
		doc.AlternateIDs = []string{}
	}

	if _, err := r.identities.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		log.Error().Err(err).Str("primary_id", identity.PrimaryID).Msg("Error creating identity in MongoDB")
		return err
	}
	return nil
}

// AddAlternateIDs merges ids into the stored alias set.
func (r *IdentityRepository) AddAlternateIDs(ctx context.Context, primaryID string, ids []string) (*domain.Identity, error) {
	update := bson.M{
		"$addToSet": bson.M{"alternate_ids": bson.M{"$each": ids}},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var identity domain.Identity
	err := r.identities.FindOneAndUpdate(ctx, bson.M{"_id": primaryID}, update, opts).Decode(&identity)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("primary_id", primaryID).Msg("Error adding alternate ids in MongoDB")
		return nil, err
	}
	return &identity, nil
}

var _ domain.IdentityRepository = (*IdentityRepository)(nil)
